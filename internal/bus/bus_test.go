package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildSelectorSlashWrapped(t *testing.T) {
	selector, infix := BuildSelector(`/^cpu\.\d+$/`)
	assert.Equal(t, `^cpu\.\d+$`, selector)
	assert.Equal(t, "", infix)
}

func TestBuildSelectorPlainInfix(t *testing.T) {
	selector, infix := BuildSelector("cpu")
	assert.Equal(t, "", selector)
	assert.Equal(t, "cpu", infix)
}

func TestBuildSelectorSingleSlashIsInfix(t *testing.T) {
	// A lone "/" has length 1, not > 1, so it does not count as wrapped.
	selector, infix := BuildSelector("/")
	assert.Equal(t, "", selector)
	assert.Equal(t, "/", infix)
}

func TestInfixSelectorEscapesAndAnchors(t *testing.T) {
	got := infixSelector("cpu.load")
	assert.Equal(t, `^(.+\.)?cpu\.load.*$`, got)
}

func TestMetricsQueryKeyDistinguishesFields(t *testing.T) {
	a := MetricsQuery{Selector: "x", Limit: 10}
	b := MetricsQuery{Selector: "x", Limit: 20}
	assert.NotEqual(t, a.Key(), b.Key())
}
