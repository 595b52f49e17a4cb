package history

import (
	"math/rand/v2"
	"time"

	"github.com/gosuda/portal-chat/gemini-chat/chat"
)

const (
	// PageSize is the number of messages synthesized per load and the step
	// by which the visible window grows.
	PageSize = 20

	imageChance = 0.2
	userSender  = "User"
	aiSender    = "Gemini AI"
)

var sampleTexts = []string{
	"Here's a fun fact!",
	"How can I help you today?",
	"Did you know Go is awesome?",
	"This is a simulated old message.",
	"Try uploading an image!",
	"Ask me anything.",
	"Here's a random tip.",
	"Let's chat more.",
	"What would you like to know?",
	"I'm here to assist you.",
}

var sampleImages = []string{
	"https://placekitten.com/120/80",
	"https://placehold.co/120x80",
	"https://picsum.photos/120/80",
}

// Synthesize builds n messages stamped one minute apart going back from ref,
// returned oldest first. The message one minute before ref is from the user
// and senders alternate from there.
func Synthesize(ref time.Time, n int, rng *rand.Rand) []chat.Message {
	out := make([]chat.Message, n)
	for i := 0; i < n; i++ {
		t := ref.Add(-time.Duration(i+1) * time.Minute)
		m := chat.Message{Time: t.Format(chat.TimeLayout)}
		if i%2 == 0 {
			m.Sender, m.Type = userSender, chat.RoleUser
		} else {
			m.Sender, m.Type = aiSender, chat.RoleAI
		}
		if rng.Float64() < imageChance {
			m.Image = sampleImages[rng.IntN(len(sampleImages))]
		} else {
			m.Text = sampleTexts[rng.IntN(len(sampleTexts))]
		}
		out[n-1-i] = m
	}
	return out
}

// referenceTime parses a message clock time onto 1970-01-01. ok is false
// when the string does not parse.
func referenceTime(clockTime string) (time.Time, bool) {
	t, err := time.ParseInLocation(chat.TimeLayout, clockTime, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return time.Date(1970, 1, 1, t.Hour(), t.Minute(), t.Second(), 0, time.Local), true
}
