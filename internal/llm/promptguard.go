package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"relaygate/internal/gwerror"
	"relaygate/internal/llm/canonical"
	"relaygate/internal/store"
)

// GuardVerdict is the outcome of one guard: pass-through, masked content, or
// a short-circuit rejection (spec.md §4.6 step 3).
type GuardVerdict struct {
	Rejected bool
	Status   int
	Body     string
	Masked   string // non-empty when the guard replaced the message content in place
}

// ModerationClient calls an external moderation endpoint (e.g. OpenAI
// moderations). Abstracted so tests can fake it.
type ModerationClient interface {
	Moderate(ctx context.Context, text string) (flagged bool, err error)
}

// WebhookClient calls an external webhook decision endpoint.
type WebhookClient interface {
	Decide(ctx context.Context, url string, text string, timeout time.Duration) (GuardVerdict, error)
}

type httpWebhookClient struct{ client *http.Client }

func (h httpWebhookClient) Decide(ctx context.Context, url string, text string, timeout time.Duration) (GuardVerdict, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	body, _ := json.Marshal(map[string]string{"text": text})
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return GuardVerdict{}, err
	}
	req.Header.Set("content-type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return GuardVerdict{}, gwerror.New(gwerror.KindPromptWebhookError, "webhook call failed: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Reject bool   `json:"reject"`
		Status int    `json:"status"`
		Body   string `json:"body"`
		Masked string `json:"masked"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return GuardVerdict{}, gwerror.New(gwerror.KindPromptWebhookError, "webhook response decode failed: %v", err)
	}
	return GuardVerdict{Rejected: out.Reject, Status: out.Status, Body: out.Body, Masked: out.Masked}, nil
}

// Guards runs a PromptGuard policy's rule chain (regex, moderation,
// webhook) over req's messages in place, short-circuiting on the first
// rejection.
type Guards struct {
	Moderation ModerationClient
	Webhook    WebhookClient
}

// NewGuards returns a Guards using a real HTTP webhook client and no
// moderation client configured (set Moderation before use if needed).
func NewGuards() *Guards {
	return &Guards{Webhook: httpWebhookClient{client: http.DefaultClient}}
}

// Apply runs rules against req's message contents. It mutates req in place
// for "mask" verdicts and returns a rejection error for "reject" verdicts.
func (g *Guards) Apply(ctx context.Context, rules []store.PromptGuardRule, req *canonical.ChatRequest) error {
	for i := range req.Messages {
		m := &req.Messages[i]
		for _, rule := range rules {
			v, err := g.evalRule(ctx, rule, m.Content)
			if err != nil {
				return err
			}
			if v.Rejected {
				status := v.Status
				if status == 0 {
					status = rule.RejectStatus
				}
				body := v.Body
				if body == "" {
					body = rule.RejectBody
				}
				e := gwerror.New(gwerror.KindPromptWebhookError, "%s", body)
				if status != 0 {
					e.Headers = map[string]string{"x-prompt-guard-status": strconv.Itoa(status)}
				}
				return e
			}
			if v.Masked != "" {
				m.Content = v.Masked
			}
		}
	}
	return nil
}

func (g *Guards) evalRule(ctx context.Context, rule store.PromptGuardRule, content string) (GuardVerdict, error) {
	switch rule.Kind {
	case store.GuardRegex:
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return GuardVerdict{}, err
		}
		if re.MatchString(content) {
			if rule.RejectStatus != 0 || rule.RejectBody != "" {
				return GuardVerdict{Rejected: true, Status: rule.RejectStatus, Body: rule.RejectBody}, nil
			}
			return GuardVerdict{Masked: re.ReplaceAllString(content, "***")}, nil
		}
		return GuardVerdict{}, nil

	case store.GuardModeration:
		if g.Moderation == nil {
			return GuardVerdict{}, nil
		}
		flagged, err := g.Moderation.Moderate(ctx, content)
		if err != nil {
			return GuardVerdict{}, err
		}
		if flagged {
			return GuardVerdict{Rejected: true, Status: rule.RejectStatus, Body: rule.RejectBody}, nil
		}
		return GuardVerdict{}, nil

	case store.GuardWebhook:
		timeout := time.Duration(rule.WebhookTimeout) * time.Millisecond
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		return g.Webhook.Decide(ctx, rule.WebhookURL, content, timeout)

	default:
		return GuardVerdict{}, nil
	}
}
