package pipeline

import (
	"fmt"
	"strings"
)

// Placeholders and markers for the notification template. The operating
// locale of the sales team is Russian, matching the CRM result names.
const (
	notSpecified       = "не указано"
	unavailableMarker  = "(запись недоступна)"
	notificationHeader = "📞 Успешный звонок!"
)

// Classify reports whether the result name matches any configured success
// marker, case-insensitively, by substring.
func Classify(resultName string, markers []string) bool {
	if strings.TrimSpace(resultName) == "" {
		return false
	}
	lower := strings.ToLower(resultName)
	for _, m := range markers {
		if m == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// Compose builds the fixed-template notification body. Every field falls
// back to a placeholder so a sparse event never produces a broken message.
func Compose(ev Event) string {
	var b strings.Builder
	b.WriteString(notificationHeader)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Менеджер: %s\n", orPlaceholder(ev.ManagerName))
	fmt.Fprintf(&b, "Телефон: %s\n", orPlaceholder(ev.Phone))
	fmt.Fprintf(&b, "Результат: %s\n", orPlaceholder(ev.ResultName))
	fmt.Fprintf(&b, "Комментарий: %s\n", orPlaceholder(ev.Comment))
	if ev.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Дата: %s\n", notSpecified)
	} else {
		fmt.Fprintf(&b, "Дата: %s\n", ev.StartedAt.Format("02.01.2006 15:04"))
	}
	fmt.Fprintf(&b, "ID звонка: %d", ev.CallID)
	return b.String()
}

func orPlaceholder(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return notSpecified
	}
	return s
}
