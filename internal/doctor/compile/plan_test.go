package compile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileHappyNavigate(t *testing.T) {
	t.Parallel()

	c := NewCompiler()
	plan := c.Compile("navigate to http://localhost:8080", "")

	require.Len(t, plan.Steps, 4)
	assert.Equal(t, ActionLaunch, plan.Steps[0].Action)
	assert.Equal(t, ActionNavigate, plan.Steps[1].Action)
	assert.Equal(t, "http://localhost:8080", plan.Steps[1].Params["url"])
	assert.Equal(t, ActionScreenshot, plan.Steps[2].Action)
	assert.Equal(t, ActionClose, plan.Steps[3].Action)
}

func TestCompileLoginPatternStopsPasswordAtComma(t *testing.T) {
	t.Parallel()

	c := NewCompiler()
	plan := c.Compile("login as alice@example.com with password hunter2, then click 'Submit Post'", "")

	var sawEmail, sawPassword, sawClick bool
	for _, s := range plan.Steps {
		if s.Action == ActionType && s.Params["name"] == "email" {
			sawEmail = true
			assert.Equal(t, "alice@example.com", s.Params["text"])
		}
		if s.Action == ActionType && s.Params["name"] == "password" {
			sawPassword = true
			assert.Equal(t, "hunter2", s.Params["text"])
		}
		if s.Action == ActionClick && s.Params["text"] == "Submit Post" {
			sawClick = true
		}
	}
	assert.True(t, sawEmail)
	assert.True(t, sawPassword)
	assert.True(t, sawClick)
}

func TestCompilePrependsExplicitURLWhenIntentOmitsOne(t *testing.T) {
	t.Parallel()

	c := NewCompiler()
	plan := c.Compile("click 'Submit'", "http://localhost:3000")

	require.GreaterOrEqual(t, len(plan.Steps), 2)
	assert.Equal(t, ActionNavigate, plan.Steps[1].Action)
	assert.Equal(t, "http://localhost:3000", plan.Steps[1].Params["url"])
}

func TestValidateRejectsOversizedPlan(t *testing.T) {
	t.Parallel()

	plan := &Plan{}
	for i := 0; i < 51; i++ {
		plan.Steps = append(plan.Steps, newStep(ActionClick, map[string]any{"selector": "#x"}))
	}
	err := Validate(plan, ValidateOptions{})
	require.Error(t, err)
}

func TestValidateRejectsLocalhostByDefault(t *testing.T) {
	t.Parallel()

	plan := &Plan{Steps: []Step{newStep(ActionNavigate, map[string]any{"url": "http://localhost/admin"})}}
	err := Validate(plan, ValidateOptions{AllowLocalhost: false})
	require.Error(t, err)

	err = Validate(plan, ValidateOptions{AllowLocalhost: true})
	require.NoError(t, err)
}

func TestValidateRejectsEmptySelector(t *testing.T) {
	t.Parallel()

	plan := &Plan{Steps: []Step{newStep(ActionClick, map[string]any{"selector": ""})}}
	err := Validate(plan, ValidateOptions{})
	require.Error(t, err)
}
