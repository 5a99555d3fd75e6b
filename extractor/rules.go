package extractor

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/relance/store"
)

// FallbackQuestion is the clarification asked when no time reference can be
// resolved. The ingest worker reuses it when extraction fails outright.
const FallbackQuestion = "When should I follow up? Reply with a date or a timeframe like \"tomorrow\" or \"in 3 days\"."

var (
	inRelativeRe = regexp.MustCompile(`(?i)\bin\s+(\d+)\s+(minute|hour|day|week)s?\b`)
	dateRe       = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	contactRe    = regexp.MustCompile(`(?i)\b(?:with|from|to)\s+([A-Z][\w'-]*)`)
)

// ruleExtractor resolves a small set of explicit time expressions. It exists
// so development and tests run the full pipeline without a model endpoint;
// anything it cannot resolve becomes a clarification.
type ruleExtractor struct{}

func newRuleExtractor() *ruleExtractor { return &ruleExtractor{} }

func (e *ruleExtractor) Extract(_ context.Context, in Input) (*Result, error) {
	loc, err := time.LoadLocation(in.Timezone)
	if err != nil || in.Timezone == "" {
		loc = time.UTC
	}
	now := in.Now.In(loc)

	due, ok := resolveDue(in.Text, now, loc)
	if !ok {
		return &Result{
			NeedsClarification: true,
			ClarifyingQuestion: FallbackQuestion,
			Context:            snippet(in.Text),
		}, nil
	}

	action := store.ActionRemind
	if strings.Contains(strings.ToLower(in.Text), "draft") {
		action = store.ActionRemindAndDraft
	}

	var contact string
	if m := contactRe.FindStringSubmatch(in.Text); m != nil {
		contact = m[1]
	}

	return &Result{
		DueAtISO:    due.Format(time.RFC3339),
		ActionType:  action,
		ContactHint: contact,
		Context:     snippet(in.Text),
	}, nil
}

// resolveDue tries the supported expressions in order of specificity.
func resolveDue(text string, now time.Time, loc *time.Location) (time.Time, bool) {
	lower := strings.ToLower(text)

	if m := inRelativeRe.FindStringSubmatch(text); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 {
			switch strings.ToLower(m[2]) {
			case "minute":
				return now.Add(time.Duration(n) * time.Minute), true
			case "hour":
				return now.Add(time.Duration(n) * time.Hour), true
			case "day":
				return now.AddDate(0, 0, n), true
			case "week":
				return now.AddDate(0, 0, 7*n), true
			}
		}
	}

	if m := dateRe.FindStringSubmatch(text); m != nil {
		ts, err := time.ParseInLocation("2006-01-02", fmt.Sprintf("%s-%s-%s", m[1], m[2], m[3]), loc)
		if err == nil {
			return morning(ts, loc), true
		}
	}

	if strings.Contains(lower, "tomorrow") {
		return morning(now.AddDate(0, 0, 1), loc), true
	}
	if strings.Contains(lower, "next week") {
		return morning(now.AddDate(0, 0, 7), loc), true
	}

	return time.Time{}, false
}

// morning normalizes day-granular expressions to 09:00 local.
func morning(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 9, 0, 0, 0, loc)
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 140 {
		return s
	}
	return s[:140]
}
