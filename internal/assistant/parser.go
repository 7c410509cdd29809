package assistant

import (
	"encoding/json"
	"strings"
)

// ParseReplies converts raw model output into outbound replies. The model is
// prompted to answer with {"messages":[{"body","image","video"},...]}, often
// wrapped in a markdown code fence; anything that fails to parse as that
// shape is passed through as a single plain-text reply.
//
// Items carrying a video are split in two so the clip lands as its own
// message: first the video alone, then the text with any image.
func ParseReplies(raw string) []Reply {
	text := stripCodeFence(raw)

	var payload struct {
		Messages []struct {
			Body  string `json:"body"`
			Image string `json:"image"`
			Video string `json:"video"`
		} `json:"messages"`
	}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return []Reply{{Body: raw}}
	}

	replies := make([]Reply, 0, len(payload.Messages))
	for _, msg := range payload.Messages {
		if msg.Video != "" {
			replies = append(replies, Reply{VideoURL: msg.Video})
		}
		replies = append(replies, Reply{Body: msg.Body, ImageURL: msg.Image})
	}
	return replies
}

// stripCodeFence removes a surrounding markdown fence like ```json ... ```.
func stripCodeFence(raw string) string {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "```" {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
