package utils

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"coldreach/models"

	"github.com/sirupsen/logrus"
)

func TestParseClassification(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
		wantErr bool
	}{
		{
			name:    "clean JSON",
			content: `{"label": "interested", "confidence": 0.92, "reason": "asks for a call"}`,
			want:    models.LabelInterested,
		},
		{
			name: "fenced JSON",
			content: "```json\n" +
				`{"label": "not_interested", "confidence": 0.8, "reason": "explicit no"}` +
				"\n```",
			want: models.LabelNotInterested,
		},
		{
			name:    "prose around JSON",
			content: `Sure! Here is the classification: {"label": "question", "confidence": 0.7, "reason": "asks about pricing"} Hope that helps.`,
			want:    models.LabelQuestion,
		},
		{
			name:    "uppercase label normalized",
			content: `{"label": "  Out_Of_Office ", "confidence": 0.99, "reason": "auto reply"}`,
			want:    models.LabelOutOfOffice,
		},
		{
			name:    "unknown label",
			content: `{"label": "maybe", "confidence": 0.5, "reason": ""}`,
			wantErr: true,
		},
		{
			name:    "confidence above one",
			content: `{"label": "interested", "confidence": 1.5, "reason": ""}`,
			wantErr: true,
		},
		{
			name:    "negative confidence",
			content: `{"label": "interested", "confidence": -0.1, "reason": ""}`,
			wantErr: true,
		},
		{
			name:    "no JSON at all",
			content: "I could not classify this message.",
			wantErr: true,
		},
		{
			name:    "malformed JSON",
			content: `{"label": "interested", "confidence": }`,
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseClassification(tc.content)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				if !errors.Is(err, ErrUnparsable) {
					t.Errorf("error %v does not wrap ErrUnparsable", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseClassification: %v", err)
			}
			if got.Label != tc.want {
				t.Errorf("label = %q, want %q", got.Label, tc.want)
			}
		})
	}
}

func fakeChatServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("missing bearer auth, got %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if len(req.Messages) != 2 {
			t.Errorf("expected system+user messages, got %d", len(req.Messages))
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": content}},
			},
		})
	}))
}

func testLLMClient(baseURL string) *LLMClient {
	return &LLMClient{
		apiKey:     "test-key",
		model:      "test-model",
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		logger:     logrus.New(),
	}
}

func TestLLMClientClassify(t *testing.T) {
	srv := fakeChatServer(t, `{"label": "interested", "confidence": 0.9, "reason": "wants a demo"}`)
	defer srv.Close()

	cls, err := testLLMClient(srv.URL).Classify(context.Background(),
		"Hi, would you like to try our product?", "Yes, please send a demo link.")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if cls.Label != models.LabelInterested || cls.Confidence != 0.9 {
		t.Errorf("unexpected classification %+v", cls)
	}
}

func TestLLMClientClassifyUnparsable(t *testing.T) {
	srv := fakeChatServer(t, "no structured output here")
	defer srv.Close()

	_, err := testLLMClient(srv.URL).Classify(context.Background(), "outreach", "reply")
	if !errors.Is(err, ErrUnparsable) {
		t.Errorf("expected ErrUnparsable, got %v", err)
	}
}

func TestLLMClientGenerateSequence(t *testing.T) {
	srv := fakeChatServer(t, `[
		{"subject": "Intro", "body": "Hello", "delay_days": 0},
		{"subject": "Follow up", "body": "Bump", "delay_days": 3}
	]`)
	defer srv.Close()

	lead := &models.Lead{FirstName: "Ada", LastName: "Lovelace", Company: "Analytical"}
	campaign := &models.Campaign{Name: "Launch"}

	steps, err := testLLMClient(srv.URL).GenerateSequence(context.Background(), lead, campaign, 2)
	if err != nil {
		t.Fatalf("GenerateSequence: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(steps))
	}
	for i, step := range steps {
		if step.StepNumber != i+1 {
			t.Errorf("step %d numbered %d", i, step.StepNumber)
		}
	}
	if steps[1].DelayDays != 3 {
		t.Errorf("delay_days = %d, want 3", steps[1].DelayDays)
	}
}

func TestLLMClientMissingAPIKey(t *testing.T) {
	client := testLLMClient("http://unused.example")
	client.apiKey = ""

	if _, err := client.Classify(context.Background(), "a", "b"); err == nil {
		t.Error("expected error without an API key")
	}
}

func TestLLMClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := testLLMClient(srv.URL).Classify(context.Background(), "a", "b")
	if err == nil {
		t.Fatal("expected error on 500 response")
	}
	if errors.Is(err, ErrUnparsable) {
		t.Error("transport failure must not be reported as unparsable")
	}
}
