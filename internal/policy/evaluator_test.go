package policy

import (
	"encoding/json"
	"testing"

	"mycel/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dlpPolicy(id string, priority int, rules ...types.PolicyRule) types.Policy {
	return types.Policy{
		ID: id, TenantID: "t1", Kind: types.PolicyDLP,
		Rules: rules, Priority: priority, Enabled: true,
	}
}

func TestEvaluateNoPolicies(t *testing.T) {
	assert.NoError(t, Evaluate(nil, Input{Sensitivity: types.SensitivitySecret}))
}

func TestEvaluateSensitivityCeiling(t *testing.T) {
	pols := []types.Policy{
		dlpPolicy("p-ceiling", 10, types.PolicyRule{
			MaxSensitivity: types.SensitivityInternal,
			Action:         types.ActionDeny,
		}),
	}

	err := Evaluate(pols, Input{Sensitivity: types.SensitivityConfidential})
	require.Error(t, err)
	assert.Equal(t, types.CodePolicyDenied, types.CodeOf(err))

	var de *types.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "p-ceiling", de.PolicyID)

	assert.NoError(t, Evaluate(pols, Input{Sensitivity: types.SensitivityInternal}))
}

func TestEvaluatePatternMatch(t *testing.T) {
	doc, _ := json.Marshal(map[string]interface{}{
		"summary":  "found AWS_SECRET_KEY in repo",
		"snippets": []string{"harmless", "key=AKIA123"},
	})
	pols := []types.Policy{
		dlpPolicy("p-secrets", 5, types.PolicyRule{
			Path: "/summary", Pattern: "aws_secret", Action: types.ActionDeny,
		}),
	}

	err := Evaluate(pols, Input{Sensitivity: types.SensitivityInternal, Document: doc})
	require.Error(t, err)
	assert.Equal(t, types.CodePolicyDenied, types.CodeOf(err))
}

func TestEvaluatePatternScansArrays(t *testing.T) {
	doc, _ := json.Marshal(map[string]interface{}{
		"snippets": []string{"harmless", "password=hunter2"},
	})
	pols := []types.Policy{
		dlpPolicy("p-pass", 5, types.PolicyRule{
			Path: "/snippets", Pattern: "password=", Action: types.ActionDeny,
		}),
	}
	assert.Error(t, Evaluate(pols, Input{Document: doc}))

	// Element index addressing works too.
	pols[0].Rules[0].Path = "/snippets/1"
	assert.Error(t, Evaluate(pols, Input{Document: doc}))
	pols[0].Rules[0].Path = "/snippets/0"
	assert.NoError(t, Evaluate(pols, Input{Document: doc}))
}

func TestEvaluatePriorityOrderFirstDenyWins(t *testing.T) {
	doc, _ := json.Marshal(map[string]interface{}{"summary": "contains token"})
	pols := []types.Policy{
		dlpPolicy("p-low", 1, types.PolicyRule{
			Path: "/summary", Pattern: "token", Action: types.ActionDeny,
		}),
		dlpPolicy("p-high", 100, types.PolicyRule{
			Path: "/summary", Pattern: "token", Action: types.ActionDeny,
		}),
	}

	err := Evaluate(pols, Input{Document: doc})
	var de *types.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "p-high", de.PolicyID, "higher priority policy reports the deny")
}

func TestEvaluateAllowShortCircuitsWithinPolicy(t *testing.T) {
	doc, _ := json.Marshal(map[string]interface{}{"summary": "internal token for ops"})
	pols := []types.Policy{
		dlpPolicy("p-mixed", 10,
			types.PolicyRule{Path: "/summary", Pattern: "internal token", Action: types.ActionAllow},
			types.PolicyRule{Path: "/summary", Pattern: "token", Action: types.ActionDeny},
		),
	}
	assert.NoError(t, Evaluate(pols, Input{Document: doc}))
}

func TestEvaluateDisabledPolicySkipped(t *testing.T) {
	p := dlpPolicy("p-off", 10, types.PolicyRule{
		MaxSensitivity: types.SensitivityPublic, Action: types.ActionDeny,
	})
	p.Enabled = false
	assert.NoError(t, Evaluate([]types.Policy{p}, Input{Sensitivity: types.SensitivitySecret}))
}

func TestEvaluateUnmatchedPathIsNoMatch(t *testing.T) {
	doc, _ := json.Marshal(map[string]interface{}{"summary": "x"})
	pols := []types.Policy{
		dlpPolicy("p-path", 10, types.PolicyRule{
			Path: "/content/body", Pattern: "x", Action: types.ActionDeny,
		}),
	}
	assert.NoError(t, Evaluate(pols, Input{Document: doc}))
}

func TestLookupPointer(t *testing.T) {
	var doc interface{}
	require.NoError(t, json.Unmarshal([]byte(`{"a":{"b/c":[10,{"~":"tilde"}]}}`), &doc))

	v, ok := Lookup(doc, "/a/b~1c/0")
	require.True(t, ok)
	assert.EqualValues(t, 10, v)

	v, ok = Lookup(doc, "/a/b~1c/1/~0")
	require.True(t, ok)
	assert.Equal(t, "tilde", v)

	_, ok = Lookup(doc, "/a/missing")
	assert.False(t, ok)
	_, ok = Lookup(doc, "no-leading-slash")
	assert.False(t, ok)
}
