package agents

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/insightengine/orchestrator/internal/research"
	"github.com/insightengine/orchestrator/internal/util"
)

// ErrUnparseable is returned when model output cannot be normalised into the
// expected shape.
var ErrUnparseable = errors.New("unparseable agent output")

// DefaultEstimatedSources is used when a plan omits its source estimate.
const DefaultEstimatedSources = 15

var fenced = regexp.MustCompile("(?s)^```[A-Za-z]*\\s*(.*?)\\s*```$")

// ParsePlan decodes a manager response. Models drift from the requested
// shape, so questions may arrive as a list, a map of lists, nested lists or
// a single string, and the source estimate as a number, a numeric string or
// a map of per-section counts (summed). A plan without any section title is
// rejected.
func ParsePlan(raw []byte) (research.Plan, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return research.Plan{}, err
	}

	sections := flattenStrings(obj["sections"])
	if len(sections) == 0 {
		return research.Plan{}, fmt.Errorf("%w: plan has no sections", ErrUnparseable)
	}

	questions := flattenStrings(first(obj, "research_questions", "questions"))
	if questions == nil {
		questions = []string{}
	}

	estimate := DefaultEstimatedSources
	if v := first(obj, "estimated_sources"); v != nil {
		n, ok := reduceCount(v)
		if !ok {
			return research.Plan{}, fmt.Errorf("%w: estimated_sources %v is not a count", ErrUnparseable, v)
		}
		estimate = n
	}

	return research.Plan{
		Sections:          sections,
		ResearchQuestions: questions,
		EstimatedSources:  estimate,
	}, nil
}

// ParseVerdict decodes a critique response. has_issues may be a boolean or a
// boolean-like string and defaults to false; feedback and claims are
// flattened; a malformed quality score is ignored.
func ParseVerdict(raw []byte) (Verdict, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return Verdict{}, err
	}

	var v Verdict
	if hv := first(obj, "has_issues"); hv != nil {
		b, ok := parseBool(hv)
		if !ok {
			return Verdict{}, fmt.Errorf("%w: has_issues %v is not a boolean", ErrUnparseable, hv)
		}
		v.HasIssues = b
	}
	v.Feedback = strings.Join(flattenStrings(obj["feedback"]), "\n")
	v.UnsupportedClaims = flattenStrings(obj["unsupported_claims"])
	if v.UnsupportedClaims == nil {
		v.UnsupportedClaims = []string{}
	}
	if qs := first(obj, "quality_score"); qs != nil {
		if f, ok := parseNumber(qs); ok {
			v.QualityScore = f
		}
	}
	return v, nil
}

func decodeObject(raw []byte) (map[string]interface{}, error) {
	body := strings.TrimSpace(string(raw))
	if m := fenced.FindStringSubmatch(body); m != nil {
		body = m[1]
	}
	if !strings.HasPrefix(body, "{") {
		i, j := strings.Index(body, "{"), strings.LastIndex(body, "}")
		if i >= 0 && j > i {
			body = body[i : j+1]
		}
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.UseNumber()
	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrUnparseable)
	}
	return obj, nil
}

func first(obj map[string]interface{}, keys ...string) interface{} {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// titleKeys name the field holding an item's text when the model returns
// objects instead of strings.
var titleKeys = []string{"title", "question", "text", "name"}

func flattenStrings(v interface{}) []string {
	switch t := v.(type) {
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return []string{s}
		}
	case json.Number:
		return []string{t.String()}
	case bool:
		return []string{strconv.FormatBool(t)}
	case []interface{}:
		var out []string
		for _, e := range t {
			out = append(out, flattenStrings(e)...)
		}
		return out
	case map[string]interface{}:
		for _, k := range titleKeys {
			if s, ok := t[k].(string); ok && strings.TrimSpace(s) != "" {
				return []string{strings.TrimSpace(s)}
			}
		}
		var out []string
		for _, k := range sortedKeys(t) {
			out = append(out, flattenStrings(t[k])...)
		}
		return out
	}
	return nil
}

// reduceCount turns a count-like value into a non-negative int. Collections
// sum their scalar members; without any, the first count found in a nested
// member is used.
func reduceCount(v interface{}) (int, bool) {
	if n, ok := scalarCount(v); ok {
		return n, true
	}

	var members []interface{}
	switch t := v.(type) {
	case map[string]interface{}:
		for _, k := range sortedKeys(t) {
			members = append(members, t[k])
		}
	case []interface{}:
		members = t
	default:
		return 0, false
	}

	sum, found := 0, false
	for _, m := range members {
		if n, ok := scalarCount(m); ok {
			if sum > maxCount-n {
				return 0, false
			}
			sum += n
			found = true
		}
	}
	if found {
		return sum, true
	}
	for _, m := range members {
		if n, ok := reduceCount(m); ok {
			return n, true
		}
	}
	return 0, false
}

// maxCount bounds any count read from agent output.
const maxCount = math.MaxInt32

func scalarCount(v interface{}) (int, bool) {
	f, ok := parseNumber(v)
	if !ok || math.IsNaN(f) || f < 0 || f > maxCount {
		return 0, false
	}
	return int(math.Round(f)), true
}

func parseNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case float64:
		return t, true
	case string:
		return util.ParseNumericValue(t)
	}
	return 0, false
}

func parseBool(v interface{}) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f != 0, err == nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "y", "1":
			return true, true
		case "false", "no", "n", "0", "":
			return false, true
		}
	}
	return false, false
}

// sortedKeys orders keys numerically when they are integers ("2" < "10"),
// otherwise lexically, integers first.
func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, errA := strconv.Atoi(keys[i])
		b, errB := strconv.Atoi(keys[j])
		switch {
		case errA == nil && errB == nil:
			return a < b
		case errA == nil:
			return true
		case errB == nil:
			return false
		}
		return keys[i] < keys[j]
	})
	return keys
}
