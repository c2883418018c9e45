package target

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metricq/metricq-grafana-go/pkg/schema"
)

func TestParseObjectDefaults(t *testing.T) {
	tgt, err := ParseObject(json.RawMessage(`{"metric":"m1"}`))
	require.NoError(t, err)
	assert.Equal(t, "m1", tgt.Metric)
	assert.Equal(t, defaultNameTemplate, tgt.NameTemplate)
	assert.Equal(t, 1.0, tgt.ScalingFactor)
	require.Len(t, tgt.Functions, 1)
	assert.Equal(t, schema.KindAvg, tgt.Functions[0].Kind)
}

func TestParseObjectAliasTemplateSortsFunctions(t *testing.T) {
	tgt, err := ParseObject(json.RawMessage(`{"metric":"m1", "name":"$metric · $function", "functions":["min","max"]}`))
	require.NoError(t, err)
	require.Len(t, tgt.Functions, 2)
	assert.Equal(t, schema.KindMax, tgt.Functions[0].Kind)
	assert.Equal(t, schema.KindMin, tgt.Functions[1].Kind)
}

func TestParseObjectScalingFactorSnakeCase(t *testing.T) {
	tgt, err := ParseObject(json.RawMessage(`{"metric":"m1", "scaling_factor": 2.5}`))
	require.NoError(t, err)
	assert.Equal(t, 2.5, tgt.ScalingFactor)
}

func TestParseObjectRequiresMetric(t *testing.T) {
	_, err := ParseObject(json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestParseObjectUnknownFunctionErrors(t *testing.T) {
	_, err := ParseObject(json.RawMessage(`{"metric":"m1", "functions":["bogus"]}`))
	assert.Error(t, err)
}

func TestParseStringPlainDefaultsToAvg(t *testing.T) {
	tgt, err := ParseString("cpu.load")
	require.NoError(t, err)
	assert.Equal(t, "cpu.load", tgt.Metric)
	require.Len(t, tgt.Functions, 1)
	assert.Equal(t, schema.KindAvg, tgt.Functions[0].Kind)
}

func TestParseStringTrailingType(t *testing.T) {
	tgt, err := ParseString("cpu.load/max")
	require.NoError(t, err)
	assert.Equal(t, "cpu.load", tgt.Metric)
	require.Len(t, tgt.Functions, 1)
	assert.Equal(t, schema.KindMax, tgt.Functions[0].Kind)
}

func TestParseStringTrailingMultiType(t *testing.T) {
	tgt, err := ParseString("cpu.load/(min|max)")
	require.NoError(t, err)
	require.Len(t, tgt.Functions, 2)
	assert.Equal(t, schema.KindMax, tgt.Functions[0].Kind)
	assert.Equal(t, schema.KindMin, tgt.Functions[1].Kind)
}

func TestParseStringAlias(t *testing.T) {
	tgt, err := ParseString("alias(cpu.load,My Label)")
	require.NoError(t, err)
	assert.Equal(t, "cpu.load", tgt.Metric)
	assert.Equal(t, "My Label", tgt.NameTemplate)
}

func TestParseStringAliasPreservesEmbeddedCommas(t *testing.T) {
	tgt, err := ParseString("alias(cpu.load,Hello, World)")
	require.NoError(t, err)
	assert.Equal(t, "cpu.load", tgt.Metric)
	assert.Equal(t, "Hello, World", tgt.NameTemplate)
}

func TestParseStringAliasByMetric(t *testing.T) {
	tgt, err := ParseString("aliasByMetric(cpu.load)")
	require.NoError(t, err)
	assert.Equal(t, "cpu.load", tgt.Metric)
	assert.Equal(t, "cpu/load/$function", tgt.NameTemplate)
}

func TestParseStringAliasByDescription(t *testing.T) {
	tgt, err := ParseString("aliasByDescription(cpu.load)")
	require.NoError(t, err)
	assert.Equal(t, "cpu.load", tgt.Metric)
	assert.Equal(t, "$description", tgt.NameTemplate)
}

func TestParseStringAliasByMetricAndDescription(t *testing.T) {
	tgt, err := ParseString("aliasByMetricAndDescription(cpu.load)")
	require.NoError(t, err)
	assert.Equal(t, "cpu/load/$function ($description)", tgt.NameTemplate)
}

func TestParseStringMovingAverageWithAlias(t *testing.T) {
	tgt, err := ParseString("movingAverageWithAlias(cpu.load,CPU Load,10s)")
	require.NoError(t, err)
	assert.Equal(t, "cpu.load", tgt.Metric)
	assert.Equal(t, "CPU Load", tgt.NameTemplate)
	require.Len(t, tgt.Functions, 2)
	assert.Equal(t, schema.KindAvg, tgt.Functions[0].Kind)
	assert.Equal(t, schema.KindSMA, tgt.Functions[1].Kind)
	assert.Equal(t, 10*time.Second, tgt.Functions[1].Interval)
}
