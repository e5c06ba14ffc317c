package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nidhogg/nuka-analyst/internal/orchestrator"
)

// Notifier delivers outcome messages to one platform.
type Notifier interface {
	Platform() string
	Notify(ctx context.Context, msg *Message) error
	Close() error
}

// Message is a platform-neutral rendering of an outcome.
type Message struct {
	TaskID  string              `json:"task_id"`
	Target  string              `json:"target"`
	Status  orchestrator.Status `json:"status"`
	Title   string              `json:"title"`
	Content string              `json:"content"`
	Fields  []Field             `json:"fields,omitempty"`
}

// Field is a short labelled value.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Format renders an outcome as a Message.
func Format(out *orchestrator.Outcome) *Message {
	msg := &Message{
		TaskID: out.TaskID,
		Target: out.TargetID,
		Status: out.Status,
	}
	if !out.Succeeded() {
		msg.Title = fmt.Sprintf("Analysis of %s failed", out.TargetID)
		msg.Content = out.Error
	} else {
		msg.Title = fmt.Sprintf("Analysis of %s", out.TargetID)
		if advice, ok := out.KeyMetrics["advice"]; ok {
			msg.Content = fmt.Sprint(advice)
		} else if out.Advice != nil {
			msg.Content = fmt.Sprint(out.Advice)
		}
	}

	names := make([]string, 0, len(out.KeyMetrics))
	for name := range out.KeyMetrics {
		if name != "advice" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		msg.Fields = append(msg.Fields, Field{Name: name, Value: fmt.Sprint(out.KeyMetrics[name])})
	}
	msg.Fields = append(msg.Fields, Field{
		Name:  "workers",
		Value: fmt.Sprintf("%d/%d ok (%.0f%%) in %s", out.Summary.Succeeded, out.Summary.Total, out.SuccessRate*100, out.Duration.Round(1e6)),
	})
	if len(out.Summary.Failures) > 0 {
		msg.Fields = append(msg.Fields, Field{Name: "failed", Value: strings.Join(out.Summary.Failures, ", ")})
	}
	return msg
}

// Text renders msg as markdown-ish plain text.
func (m *Message) Text() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "*%s* [%s]\n", m.Title, m.Status)
	if m.Content != "" {
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	for _, f := range m.Fields {
		fmt.Fprintf(&sb, "• %s: %s\n", f.Name, f.Value)
	}
	return strings.TrimRight(sb.String(), "\n")
}
