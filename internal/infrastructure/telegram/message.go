package telegram

import "strings"

const missingValue = "--"

// Tone is the marker emoji and closing line used for a status.
type Tone struct {
	Marker string
	Footer string
}

// ToneFor picks the tone by substring on the lower-cased status; first match wins.
func ToneFor(status string) Tone {
	s := strings.ToLower(status)
	switch {
	case strings.Contains(s, "approved"):
		return Tone{Marker: "🟢", Footer: "🎉 Congratulations!"}
	case strings.Contains(s, "cancel"), strings.Contains(s, "reject"):
		return Tone{Marker: "🔴", Footer: ""}
	case strings.Contains(s, "received"), strings.Contains(s, "app/"):
		return Tone{Marker: "🟠", Footer: "⏳ Your application is in process."}
	case strings.Contains(s, "under review"):
		return Tone{Marker: "🔵", Footer: "🔎 Your application is under review."}
	default:
		return Tone{Marker: "🔷", Footer: "ℹ️ Status updated."}
	}
}

// Escape drops the characters Telegram would treat as markup.
func Escape(s string) string {
	return strings.NewReplacer("<", "", ">", "", "&", "").Replace(s)
}

// Message is the content of one status-change notification.
type Message struct {
	FullName        string
	StudentID       string
	ApplicationDate string
	Status          string
}

// Compose renders the notification text.
func Compose(m Message) string {
	status := Escape(m.Status)
	tone := ToneFor(status)
	lines := []string{
		tone.Marker + " Visa Status Update",
		"",
		"👤 Name: " + Escape(m.FullName),
		"🎓 Student ID: " + orMissing(Escape(m.StudentID)),
		"📅 Application Date: " + orMissing(Escape(m.ApplicationDate)),
		"",
		"🔄 Visa status: " + tone.Marker + " " + status,
		tone.Footer,
	}
	return strings.Join(lines, "\n")
}

func orMissing(s string) string {
	if s == "" {
		return missingValue
	}
	return s
}
