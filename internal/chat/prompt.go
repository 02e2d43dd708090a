package chat

import (
	"fmt"
	"strings"

	"github.com/suPer8Hu/character-chat/internal/ai"
	"github.com/suPer8Hu/character-chat/internal/memory"
	"github.com/suPer8Hu/character-chat/internal/persona"
)

// promptInput is everything a generation sees. path ends at the node the reply will hang
// under; pending is a user body that is not committed yet.
type promptInput struct {
	character *Character
	names     persona.Names
	settings  RoomSettings
	memories  []memory.Memory
	path      []Message
	pending   string
	guidance  string
	budget    int
}

type contextBuilder struct {
	meter      ai.Meter
	windowSize int
	tokenLimit int
}

func (b contextBuilder) systemPrompt(in promptInput) string {
	c := in.character
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s. Stay in character and write only %s's replies.\n", c.Name, c.Name)
	section := func(title, body string) {
		body = strings.TrimSpace(persona.Resolve(body, in.names))
		if body != "" {
			fmt.Fprintf(&sb, "\n[%s]\n%s\n", title, body)
		}
	}
	section("Description", c.Description)
	section("Personality", c.Personality)
	section("Scenario", c.Scenario)
	section("Example dialogue", c.ExampleDialogue)
	section("Instructions", c.SystemPrompt)

	var rules []string
	if in.settings.AntiImpersonation {
		rules = append(rules, fmt.Sprintf("Never write dialogue or actions for %s.", in.names.User))
	}
	if in.settings.PositivityBias {
		rules = append(rules, "Keep the tone warm and encouraging.")
	}
	if in.settings.MultiImage {
		rules = append(rules, "You may include several images using ![alt](https://url) syntax.")
	} else {
		rules = append(rules, "Include at most one image, using ![alt](https://url) syntax.")
	}
	if g := strings.TrimSpace(in.guidance); g != "" {
		rules = append(rules, "This is a regenerated reply. Write a different response than before. "+
			"Guidance from the user: "+persona.Resolve(g, in.names))
	}
	sb.WriteString("\n[Rules]\n")
	for _, r := range rules {
		sb.WriteString("- " + r + "\n")
	}
	return strings.TrimSpace(sb.String())
}

// applicable returns the memories that apply to path.
func applicable(mems []memory.Memory, path []Message) []memory.Memory {
	onPath := make(map[string]bool, len(path))
	for _, m := range path {
		onPath[m.ID] = true
	}
	return memory.Applicable(mems, onPath)
}

// build assembles system prompt, memories, greeting and the recent window, dropping the
// oldest window messages until the prompt fits the token limit minus the reply budget.
func (b contextBuilder) build(in promptInput) []ai.Message {
	head := []ai.Message{{Role: ai.RoleSystem, Content: b.systemPrompt(in)}}

	mems := applicable(in.memories, in.path)
	if len(mems) > 0 {
		var sb strings.Builder
		sb.WriteString("Summary of earlier conversation:\n")
		for _, m := range mems {
			sb.WriteString("- " + strings.TrimSpace(m.Content) + "\n")
		}
		head = append(head, ai.Message{Role: ai.RoleSystem, Content: strings.TrimSpace(sb.String())})
	} else if g := strings.TrimSpace(persona.Resolve(in.character.Greeting, in.names)); g != "" {
		head = append(head, ai.Message{Role: ai.RoleAssistant, Content: g})
	}

	var window []ai.Message
	for _, m := range in.path {
		if memory.Covers(mems, m.Seq) {
			continue
		}
		window = append(window, ai.Message{Role: m.Role, Content: m.Content})
	}
	var tail []ai.Message
	if strings.TrimSpace(in.pending) != "" {
		tail = append(tail, ai.Message{Role: ai.RoleUser, Content: in.pending})
	}

	if b.windowSize > 0 && len(window) > b.windowSize {
		window = window[len(window)-b.windowSize:]
	}

	limit := b.tokenLimit - in.budget
	if b.tokenLimit > 0 && b.meter != nil {
		fixed := ai.CountMessages(b.meter, head) + ai.CountMessages(b.meter, tail)
		minKeep := 0
		if len(tail) == 0 {
			minKeep = 1
		}
		for len(window) > minKeep && fixed+ai.CountMessages(b.meter, window) > limit {
			window = window[1:]
		}
	}

	out := make([]ai.Message, 0, len(head)+len(window)+len(tail))
	out = append(out, head...)
	out = append(out, window...)
	return append(out, tail...)
}
