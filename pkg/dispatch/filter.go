package dispatch

import "github.com/dtnstack/bpcore/pkg/bpv7"

// FilterActionKind discriminates the three outcomes a WriteFilter may
// return for an inbound bundle, per spec §4.7.1.
type FilterActionKind int

const (
	FilterPass FilterActionKind = iota
	FilterDrop
	FilterRewrite
)

// FilterAction is what a WriteFilter decided to do with an inbound bundle.
type FilterAction struct {
	Kind FilterActionKind

	// Reason is set when Kind == FilterDrop; it becomes the status report
	// reason if the originating bundle requested bundle-deletion reports.
	Reason bpv7.StatusReportReason

	// Bytes is the replacement wire encoding when Kind == FilterRewrite.
	Bytes []byte
}

// Pass lets the bundle proceed unchanged.
func Pass() FilterAction { return FilterAction{Kind: FilterPass} }

// Drop rejects the bundle before it ever reaches dispatcher state.
func Drop(reason bpv7.StatusReportReason) FilterAction {
	return FilterAction{Kind: FilterDrop, Reason: reason}
}

// Rewrite substitutes newBytes for the bundle's wire encoding; the
// dispatcher re-parses newBytes before continuing the ingress path.
func Rewrite(newBytes []byte) FilterAction {
	return FilterAction{Kind: FilterRewrite, Bytes: newBytes}
}

// WriteFilter inspects an inbound bundle before it is admitted to the
// dispatcher, given the bundle itself and its current wire encoding.
// Filters run in registration order; the first non-Pass result wins.
type WriteFilter interface {
	Inspect(bndl *bpv7.Bundle, data []byte) FilterAction
}

// WriteFilterFunc adapts a function to WriteFilter.
type WriteFilterFunc func(bndl *bpv7.Bundle, data []byte) FilterAction

func (f WriteFilterFunc) Inspect(bndl *bpv7.Bundle, data []byte) FilterAction {
	return f(bndl, data)
}

// runFilters applies filters in order, re-parsing the bundle after a
// Rewrite so later filters see the substituted content. It returns the
// final bundle and bytes, or a non-nil drop reason if any filter dropped
// the bundle.
func runFilters(filters []WriteFilter, bndl bpv7.Bundle, data []byte) (bpv7.Bundle, []byte, *bpv7.StatusReportReason, error) {
	for _, f := range filters {
		action := f.Inspect(&bndl, data)
		switch action.Kind {
		case FilterPass:
			continue
		case FilterDrop:
			reason := action.Reason
			return bndl, data, &reason, nil
		case FilterRewrite:
			parsed, _, err := bpv7.ParseChecked(action.Bytes)
			if err != nil {
				return bpv7.Bundle{}, nil, nil, err
			}
			bndl, data = parsed, action.Bytes
		}
	}
	return bndl, data, nil, nil
}
