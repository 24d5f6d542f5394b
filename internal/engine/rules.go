package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/machshop/workflow/pkg/models"
)

// directives is the combined output of one rule evaluation pass.
type directives struct {
	addStages     []models.WorkflowStage
	skipStages    map[int]bool
	approvers     map[int][]string
	stageDeadline map[int]int // stage number → deadline hours
	deadline      *time.Time  // instance-level deadline
	signature     map[int]bool
	notifications []notification
}

type notification struct {
	rule       string
	template   string
	recipients []string
}

// evaluateRules runs the definition's rules against the instance context
// plus the outcome of the stage that just completed. Rules are evaluated in
// ascending priority (rule id as tiebreak); the first directive to touch a
// stage number wins and later conflicting directives for that stage are
// ignored.
func evaluateRules(rules []models.WorkflowRule, ctxData map[string]any, lastOutcome models.StageOutcome, now time.Time) (*directives, error) {
	ordered := append([]models.WorkflowRule(nil), rules...)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})

	d := &directives{
		skipStages:    make(map[int]bool),
		approvers:     make(map[int][]string),
		stageDeadline: make(map[int]int),
		signature:     make(map[int]bool),
	}
	touched := make(map[int]bool)

	facts := make(map[string]any, len(ctxData)+1)
	for k, v := range ctxData {
		facts[k] = v
	}
	facts["lastStageOutcome"] = string(lastOutcome)

	for _, rule := range ordered {
		match, err := evalCondition(rule.Condition, facts)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %q: %v", ErrInvalidRule, rule.Name, err)
		}
		if !match {
			continue
		}
		if err := applyRule(d, touched, rule, now); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func applyRule(d *directives, touched map[int]bool, rule models.WorkflowRule, now time.Time) error {
	switch rule.Action {
	case models.RuleAddStage:
		stage, err := decodeStage(rule.ActionParams["stage"])
		if err != nil {
			return fmt.Errorf("%w: rule %q: %v", ErrInvalidRule, rule.Name, err)
		}
		d.addStages = append(d.addStages, stage)
	case models.RuleSkipStage:
		n, ok := paramInt(rule.ActionParams, "stage_number")
		if !ok {
			return fmt.Errorf("%w: rule %q: SKIP_STAGE requires stage_number", ErrInvalidRule, rule.Name)
		}
		if !touched[n] {
			touched[n] = true
			d.skipStages[n] = true
		}
	case models.RuleChangeApprovers:
		n, ok := paramInt(rule.ActionParams, "stage_number")
		if !ok {
			return fmt.Errorf("%w: rule %q: CHANGE_APPROVERS requires stage_number", ErrInvalidRule, rule.Name)
		}
		approvers := paramStrings(rule.ActionParams, "approvers")
		if len(approvers) == 0 {
			return fmt.Errorf("%w: rule %q: CHANGE_APPROVERS requires approvers", ErrInvalidRule, rule.Name)
		}
		if !touched[n] {
			touched[n] = true
			d.approvers[n] = approvers
		}
	case models.RuleSetDeadline:
		hours, ok := paramInt(rule.ActionParams, "hours")
		if !ok || hours <= 0 {
			return fmt.Errorf("%w: rule %q: SET_DEADLINE requires positive hours", ErrInvalidRule, rule.Name)
		}
		if n, ok := paramInt(rule.ActionParams, "stage_number"); ok {
			d.stageDeadline[n] = hours
		} else {
			t := now.Add(time.Duration(hours) * time.Hour)
			d.deadline = &t
		}
	case models.RuleSendNotification:
		template, _ := rule.ActionParams["template"].(string)
		d.notifications = append(d.notifications, notification{
			rule:       rule.Name,
			template:   template,
			recipients: paramStrings(rule.ActionParams, "recipients"),
		})
	case models.RuleRequireSignatureType:
		n, ok := paramInt(rule.ActionParams, "stage_number")
		if !ok {
			return fmt.Errorf("%w: rule %q: REQUIRE_SIGNATURE_TYPE requires stage_number", ErrInvalidRule, rule.Name)
		}
		d.signature[n] = true
	default:
		return fmt.Errorf("%w: rule %q: unknown action %q", ErrInvalidRule, rule.Name, rule.Action)
	}
	return nil
}

// evalCondition compares one context fact against the rule's condition
// value. Both sides are compared numerically when they parse as numbers.
func evalCondition(c models.RuleCondition, facts map[string]any) (bool, error) {
	if c.Field == "" {
		return true, nil // unconditional rule
	}
	got, present := facts[c.Field]

	switch c.Operator {
	case models.OpEQ:
		return present && compare(got, c.Value) == 0, nil
	case models.OpNE:
		return !present || compare(got, c.Value) != 0, nil
	case models.OpGT:
		return present && compare(got, c.Value) > 0, nil
	case models.OpGTE:
		return present && compare(got, c.Value) >= 0, nil
	case models.OpLT:
		return present && compare(got, c.Value) < 0, nil
	case models.OpLTE:
		return present && compare(got, c.Value) <= 0, nil
	case models.OpIn:
		if !present {
			return false, nil
		}
		for _, candidate := range anySlice(c.Value) {
			if compare(got, candidate) == 0 {
				return true, nil
			}
		}
		return false, nil
	case models.OpContains:
		if !present {
			return false, nil
		}
		needle := stringify(c.Value)
		for _, item := range anySlice(got) {
			if stringify(item) == needle {
				return true, nil
			}
		}
		return strings.Contains(stringify(got), needle), nil
	default:
		return false, fmt.Errorf("unknown operator %q", c.Operator)
	}
}

// evalConditions is the all-of combinator used for stage skip conditions.
// An empty condition set evaluates true.
func evalConditions(conds []models.RuleCondition, ctxData map[string]any) bool {
	for _, c := range conds {
		ok, err := evalCondition(c, ctxData)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// compare returns -1/0/1 ordering a and b, preferring numeric comparison.
func compare(a, b any) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(stringify(a), stringify(b))
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func anySlice(v any) []any {
	switch x := v.(type) {
	case []any:
		return x
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	default:
		return nil
	}
}

func paramInt(params map[string]any, key string) (int, bool) {
	f, ok := toFloat(params[key])
	if !ok {
		return 0, false
	}
	return int(f), true
}

func paramStrings(params map[string]any, key string) []string {
	var out []string
	for _, v := range anySlice(params[key]) {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// decodeStage round-trips an ADD_STAGE template through JSON into a
// WorkflowStage.
func decodeStage(v any) (models.WorkflowStage, error) {
	var stage models.WorkflowStage
	raw, err := json.Marshal(v)
	if err != nil {
		return stage, err
	}
	if err := json.Unmarshal(raw, &stage); err != nil {
		return stage, err
	}
	if stage.Name == "" || stage.ApprovalType == "" {
		return stage, fmt.Errorf("ADD_STAGE template needs name and approval_type")
	}
	return stage, nil
}
