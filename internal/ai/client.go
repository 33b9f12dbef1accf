package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/dfda/dfda-node/internal/rrule"
)

type Client struct {
	client *openai.Client
	model  string
}

func New(apiKey, baseURL, model string) *Client {
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = baseURL

	return &Client{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}
}

// ScheduleDraft is a reminder schedule proposed from free text.
type ScheduleDraft struct {
	VariableName   string   `json:"variable_name"`
	Category       string   `json:"category"`
	Unit           string   `json:"unit"`
	TimeOfDay      string   `json:"time_of_day"`
	RRule          string   `json:"rrule"`
	StartDate      string   `json:"start_date"`
	DefaultValue   *float64 `json:"default_value"`
	NeedMoreInfo   bool     `json:"need_more_info"`
	FollowUpPrompt string   `json:"follow_up_prompt"`
	RawResponse    string   `json:"-"`
}

// Start parses StartDate; an empty value means today.
func (d *ScheduleDraft) Start(today time.Time) (time.Time, error) {
	if d.StartDate == "" {
		return time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	return time.Parse("2006-01-02", d.StartDate)
}

// Validate checks a complete draft can be saved as a schedule.
func (d *ScheduleDraft) Validate() error {
	if d.NeedMoreInfo {
		return nil
	}
	if strings.TrimSpace(d.VariableName) == "" {
		return errors.New("draft has no variable name")
	}
	if _, err := rrule.ParseTimeOfDay(d.TimeOfDay); err != nil {
		return err
	}
	if err := rrule.Validate(d.RRule); err != nil {
		return err
	}
	if _, err := d.Start(time.Now()); err != nil {
		return fmt.Errorf("invalid start date %q: %w", d.StartDate, err)
	}
	return nil
}

const systemPromptTemplate = `You turn a user's request into a reminder schedule for tracking a health or habit variable.

Current local time: %s

Fill the fields:
- variable_name: what is tracked, short and capitalized (e.g. "Water Intake", "Mood", "Weight")
- category: a broad group (e.g. "Nutrition", "Emotions", "Physique", "Activity", "Sleep", "Symptoms")
- unit: abbreviation of the natural unit (e.g. "ml", "kg", "/5", "min", "count")
- time_of_day: local time as HH:MM in 24-hour format
- rrule: an RFC 5545 RRULE without DTSTART, e.g. "FREQ=DAILY" or "FREQ=WEEKLY;BYDAY=MO,WE,FR"
- start_date: YYYY-MM-DD, today unless the user names another day
- default_value: a typical value for one-tap logging, or null

Resolve relative expressions ("tomorrow", "every weekday") against the current local time.
When the request lacks what to track or when, set need_more_info = true and ask one short question in follow_up_prompt; leave the other fields empty.`

var draftSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"variable_name": {"type": "string"},
		"category": {"type": "string"},
		"unit": {"type": "string"},
		"time_of_day": {"type": "string", "description": "HH:MM, 24-hour"},
		"rrule": {"type": "string", "description": "RFC 5545 RRULE without DTSTART"},
		"start_date": {"type": "string", "description": "YYYY-MM-DD"},
		"default_value": {"type": ["number", "null"]},
		"need_more_info": {"type": "boolean"},
		"follow_up_prompt": {"type": "string"}
	},
	"required": ["variable_name", "category", "unit", "time_of_day", "rrule", "start_date", "default_value", "need_more_info", "follow_up_prompt"],
	"additionalProperties": false
}`)

// DraftSchedule asks the model for a schedule matching text. now should be
// in the user's timezone so relative dates resolve correctly.
func (c *Client) DraftSchedule(ctx context.Context, text string, now time.Time) (*ScheduleDraft, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: fmt.Sprintf(systemPromptTemplate, now.Format("2006-01-02 15:04 (Monday)")),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: text,
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "schedule_draft",
				Schema: draftSchema,
				Strict: true,
			},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call AI API: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from AI")
	}

	content := resp.Choices[0].Message.Content
	draft := &ScheduleDraft{RawResponse: content}
	if err := json.Unmarshal([]byte(content), draft); err != nil {
		return nil, fmt.Errorf("failed to parse AI response: %w", err)
	}
	if err := draft.Validate(); err != nil {
		return nil, fmt.Errorf("AI returned an unusable schedule: %w", err)
	}
	return draft, nil
}
