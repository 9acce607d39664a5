package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"sigmax/connect/internal/store"
)

// Verification is the outcome of a face-scan identity check.
type Verification struct {
	Verified      bool
	IdentityName  string
	AdminChannels []string
}

// RiskVerdict gates critical-priority sends. It is the only oracle output
// that blocks a core state mutation.
type RiskVerdict struct {
	Authorized bool   `json:"authorized"`
	Reason     string `json:"reason"`
}

// Client exposes the oracle surface. Every method makes a single attempt
// and substitutes its documented default on failure.
type Client struct {
	gen generator
}

// New creates an oracle client backed by the Anthropic API.
func New(apiKey, model, visionModel string, timeout time.Duration) *Client {
	return &Client{gen: newAnthropicGenerator(apiKey, model, visionModel, timeout)}
}

func newWithGenerator(gen generator) *Client {
	return &Client{gen: gen}
}

// Classified command profiles and the admin channels each identity unlocks.
var identityChannels = map[string][]string{
	"SOUMYADEEPTA": {"admin_sir", "admin_sigmax"},
	"RITANKAR":     {"admin_sir", "admin_sigmax", "admin_rsd", "infinity_force"},
	"SATYAKI":      {"admin_sigmax", "admin_rsd", "infinity_force"},
	"DIAN":         {"admin_sigmax", "admin_rsd", "infinity_force"},
	"IBHAN":        {"admin_sir", "admin_sigmax"},
}

// VerifyIdentity matches a face scan against the command profiles. The
// verdict is trusted blindly by the login flow; on any failure the caller
// gets an unverified result and standard citizen access.
func (c *Client) VerifyIdentity(ctx context.Context, imageBase64 string) Verification {
	prompt := `You are the biometric security system for the SIGMAX HIGH COMMAND.
Compare the face in this image against the classified profiles:
1. SOUMYADEEPTA ROY (access: admin_sir, admin_sigmax)
2. RITANKAR CHAKRABORTY (access: admin_sir, admin_sigmax, admin_rsd, infinity_force)
3. SATYAKI HALDER (access: admin_sigmax, admin_rsd, infinity_force)
4. DIAN DEY (access: admin_sigmax, admin_rsd, infinity_force)
5. IBHAN CHAKRABORTY (access: admin_sir, admin_sigmax)
Output JSON only: {"match": boolean, "name": "FULL_NAME_FROM_LIST" or "UNKNOWN", "confidence": number}`

	text, err := c.gen.GenerateVision(ctx, imageBase64, prompt)
	if err != nil {
		log.Printf("oracle: identity verification failed: %v", err)
		return Verification{}
	}

	var result struct {
		Match      bool    `json:"match"`
		Name       string  `json:"name"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(stripFences(text)), &result); err != nil {
		log.Printf("oracle: identity verdict unparseable: %v", err)
		return Verification{}
	}
	if !result.Match || result.Name == "" || result.Name == "UNKNOWN" {
		return Verification{}
	}

	name := strings.ToUpper(result.Name)
	for key, channels := range identityChannels {
		if strings.Contains(name, key) {
			return Verification{Verified: true, IdentityName: name, AdminChannels: channels}
		}
	}
	return Verification{}
}

// AnalyzeSecurityRisk screens critical-priority content for leaks. The check
// fails open: only an explicit negative verdict stops a send, and any oracle
// failure yields an authorized verdict with reason "bypass".
func (c *Client) AnalyzeSecurityRisk(ctx context.Context, text string) RiskVerdict {
	prompt := fmt.Sprintf(`Analyze for security leaks. Text: %q. Return JSON {"authorized": boolean, "reason": string}`, text)
	raw, err := c.gen.GenerateText(ctx, prompt)
	if err != nil {
		log.Printf("oracle: security check failed open: %v", err)
		return RiskVerdict{Authorized: true, Reason: "bypass"}
	}
	verdict := RiskVerdict{Authorized: true}
	if err := json.Unmarshal([]byte(stripFences(raw)), &verdict); err != nil {
		log.Printf("oracle: security verdict unparseable, failing open: %v", err)
		return RiskVerdict{Authorized: true, Reason: "bypass"}
	}
	return verdict
}

// TranslateText returns the text translated into targetLanguage, or the
// original text unchanged on failure.
func (c *Client) TranslateText(ctx context.Context, text, targetLanguage string) string {
	raw, err := c.gen.GenerateText(ctx, fmt.Sprintf("Translate to %s, reply with the translation only: %q", targetLanguage, text))
	if err != nil {
		return text
	}
	if out := strings.TrimSpace(raw); out != "" {
		return out
	}
	return text
}

// SmartReplies suggests up to three short replies to the recent messages.
// Empty on failure.
func (c *Client) SmartReplies(ctx context.Context, recent []store.Message) []string {
	start := 0
	if len(recent) > 5 {
		start = len(recent) - 5
	}
	var lines []string
	for _, m := range recent[start:] {
		lines = append(lines, m.Content)
	}

	raw, err := c.gen.GenerateText(ctx, "Suggest 3 short replies as a JSON array of strings to:\n"+strings.Join(lines, "\n"))
	if err != nil {
		return []string{}
	}
	var replies []string
	if err := json.Unmarshal([]byte(stripFences(raw)), &replies); err != nil {
		return []string{}
	}
	return replies
}

// IntelBrief condenses a conversation into a markdown brief from the
// viewer's perspective.
func (c *Client) IntelBrief(ctx context.Context, messages []store.Message, viewer store.User) string {
	var transcript strings.Builder
	for _, m := range messages {
		who := "Partner"
		if m.SenderID == viewer.ID {
			who = "Me"
		}
		fmt.Fprintf(&transcript, "%s: %s\n", who, m.Content)
	}

	raw, err := c.gen.GenerateText(ctx, "Summarize this chat log into a Markdown Intel Brief:\n"+transcript.String())
	if err != nil || strings.TrimSpace(raw) == "" {
		return "Failed to generate."
	}
	return raw
}

// RefineDraft rewrites a draft in the requested tone; echoes the draft on
// failure.
func (c *Client) RefineDraft(ctx context.Context, text, tone string) string {
	raw, err := c.gen.GenerateText(ctx, fmt.Sprintf("Rewrite in a %s tone, reply with the rewrite only: %q", tone, text))
	if err != nil {
		return text
	}
	if out := strings.TrimSpace(raw); out != "" {
		return out
	}
	return text
}

// AnalyzeImageIntel classifies an image for threat content. LOW/empty on
// failure.
func (c *Client) AnalyzeImageIntel(ctx context.Context, imageBase64 string) store.ImageIntel {
	fallback := store.ImageIntel{ThreatLevel: "LOW"}
	raw, err := c.gen.GenerateVision(ctx, imageBase64,
		`Assess this image for intelligence value. Return JSON {"threatLevel": "LOW"|"MEDIUM"|"HIGH"|"CRITICAL", "analysis": string, "details": [string]}`)
	if err != nil {
		return fallback
	}
	var intel store.ImageIntel
	if err := json.Unmarshal([]byte(stripFences(raw)), &intel); err != nil || intel.ThreatLevel == "" {
		return fallback
	}
	return intel
}

// SummarizeMeeting turns a conference transcript into markdown minutes.
func (c *Client) SummarizeMeeting(ctx context.Context, transcript string) string {
	raw, err := c.gen.GenerateText(ctx, "Summarize this meeting transcript as concise Markdown minutes:\n"+transcript)
	if err != nil || strings.TrimSpace(raw) == "" {
		return "Summary unavailable."
	}
	return raw
}

// MiniAppConfig generates a structured micro-app definition from a free-form
// description. Nil when generation fails.
func (c *Client) MiniAppConfig(ctx context.Context, description string) *store.MiniAppConfig {
	raw, err := c.gen.GenerateText(ctx, fmt.Sprintf(
		`Design a mini app for: %q. Return JSON {"appType": "CAMERA"|"RECORDER"|"NOTEBOOK"|"WHITEBOARD"|"PRESENTATION"|"FORM", "title": string, "description": string, "formFields": [{"label": string, "key": string, "type": "text"|"number"|"checkbox"}]}`, description))
	if err != nil {
		return nil
	}
	var cfg store.MiniAppConfig
	if err := json.Unmarshal([]byte(stripFences(raw)), &cfg); err != nil || cfg.AppType == "" || cfg.Title == "" {
		return nil
	}
	return &cfg
}

// stripFences removes markdown code fences the model sometimes wraps JSON in.
func stripFences(s string) string {
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}
