package rpcapi

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/sebas/dialogcore/internal/dialog"
	"github.com/sebas/dialogcore/internal/persistence"
)

// matchOp is one of the comparison operators spec.md §6.4's match-by-field
// query accepts.
type matchOp string

const (
	opEq matchOp = "eq"
	opRe matchOp = "re"
	opSw matchOp = "sw"
	opGt matchOp = "gt"
	opLt matchOp = "lt"
)

// fieldMatcher filters a persistence.Record by a single field/op/value
// triple, e.g. ?match.field=state&match.op=eq&match.value=confirmed.
type fieldMatcher struct {
	field string
	op    matchOp
	value string
	re    *regexp.Regexp
}

// parseMatch reads the match.field/match.op/match.value query parameters.
// Absence of match.field means no filtering (nil, nil).
func parseMatch(q url.Values) (*fieldMatcher, error) {
	field := q.Get("match.field")
	if field == "" {
		return nil, nil
	}
	op := matchOp(q.Get("match.op"))
	if op == "" {
		op = opEq
	}
	value := q.Get("match.value")

	m := &fieldMatcher{field: field, op: op, value: value}
	if op == opRe {
		re, err := regexp.Compile(value)
		if err != nil {
			return nil, dialog.NewError(dialog.KindInvalid, "parseMatch", "invalid match.value regexp", err)
		}
		m.re = re
	}
	switch op {
	case opEq, opRe, opSw, opGt, opLt:
	default:
		return nil, dialog.NewError(dialog.KindInvalid, "parseMatch", "unknown match.op: "+string(op), nil)
	}
	return m, nil
}

// fieldValue extracts the named field's string form from a record. Only the
// fields useful for admin filtering are exposed; anything else matches
// nothing.
func fieldValue(rec persistence.Record, field string) (string, bool) {
	switch field {
	case "call_id":
		return rec.CallID, true
	case "from_uri":
		return rec.FromURI, true
	case "to_uri":
		return rec.ToURI, true
	case "req_uri":
		return rec.ReqURI, true
	case "state":
		return rec.State, true
	case "end_reason":
		return rec.EndReason, true
	case "caller_tag":
		return rec.Caller.Tag, true
	case "callee_tag":
		return rec.Callee.Tag, true
	case "caller_contact":
		return rec.Caller.Contact, true
	case "callee_contact":
		return rec.Callee.Contact, true
	default:
		if strings.HasPrefix(field, "var.") {
			v, ok := rec.Vars[strings.TrimPrefix(field, "var.")]
			return v, ok
		}
		return "", false
	}
}

func (m *fieldMatcher) matches(rec persistence.Record) bool {
	v, ok := fieldValue(rec, m.field)
	if !ok {
		return false
	}

	switch m.op {
	case opEq:
		return v == m.value
	case opSw:
		return strings.HasPrefix(v, m.value)
	case opRe:
		return m.re.MatchString(v)
	case opGt, opLt:
		a, errA := strconv.ParseFloat(v, 64)
		b, errB := strconv.ParseFloat(m.value, 64)
		if errA != nil || errB != nil {
			if m.op == opGt {
				return v > m.value
			}
			return v < m.value
		}
		if m.op == opGt {
			return a > b
		}
		return a < b
	default:
		return false
	}
}
