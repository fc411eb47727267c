package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeRules(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "declara.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRulesFromFileKeepDefaultsForMissingKeys(t *testing.T) {
	path := writeRules(t, `
batch:
  targetDestination: CA
  maxValue: 150
  simulation: true
  maxQuotaWait: 30s
  filters:
    - name: ca-open
      destination: CA
      query: "status:open"
      pageSize: 25
  throttle:
    restoreRate: 100
`)

	holder, err := NewRulesHolderFromFile(path, zap.NewNop())
	require.NoError(t, err)
	rules := holder.Get()

	assert.Equal(t, "CA", rules.TargetDestination)
	assert.Equal(t, 150.0, rules.MaxValue)
	assert.True(t, rules.Simulation)
	assert.Equal(t, 30*time.Second, rules.MaxQuotaWait)
	require.Len(t, rules.Filters, 1)
	assert.Equal(t, "ca-open", rules.Filters[0].Name)
	assert.Equal(t, 25, rules.Filters[0].PageSize)
	assert.Equal(t, 100.0, rules.Throttle.RestoreRate)

	defaults := DefaultRules()
	assert.Equal(t, defaults.Tag, rules.Tag)
	assert.Equal(t, defaults.Throttle.MaxCredits, rules.Throttle.MaxCredits)
	assert.Equal(t, defaults.ErrorLimit, rules.ErrorLimit)
}

func TestRulesFromFileRejectsInvalidSettings(t *testing.T) {
	path := writeRules(t, `
batch:
  maxValue: -1
  filters:
    - name: a
    - name: a
`)

	_, err := NewRulesHolderFromFile(path, zap.NewNop())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch.maxValue must be positive")
	assert.Contains(t, err.Error(), "duplicated")
}

func TestDefaultRulesAreValid(t *testing.T) {
	assert.NoError(t, ValidateRules(DefaultRules()))
}

func TestValidateRulesItemBounds(t *testing.T) {
	rules := DefaultRules()
	rules.ItemMin = 10
	rules.ItemMax = 5

	assert.ErrorContains(t, ValidateRules(rules), "batch.itemMax must not be below batch.itemMin")
}

func TestStaticRulesHolder(t *testing.T) {
	rules := DefaultRules()
	rules.Tag = "custom"

	assert.Equal(t, "custom", NewStaticRulesHolder(rules).Get().Tag)
}
