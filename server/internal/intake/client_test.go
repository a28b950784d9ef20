package intake

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rural-triage/server/internal/model"
)

func TestErrorDetail(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"detail string", `{"detail":"⚠️ Invalid case."}`, "⚠️ Invalid case."},
		{"detail object", `{"detail":[{"loc":["body"],"msg":"field required"}]}`, `[{"loc":["body"],"msg":"field required"}]`},
		{"message", `{"message":"Patient not found"}`, "Patient not found"},
		{"plain text", "upstream exploded", "upstream exploded"},
		{"empty", "", "502 Bad Gateway"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, errorDetail([]byte(tc.body), "502 Bad Gateway"))
		})
	}
}

func TestClientSendsWireShape(t *testing.T) {
	var got map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/next_question", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{"done":false,"next_question":"Any rash?"}`))
	}))
	defer srv.Close()

	var answers model.Answers
	answers.Set("Fever since?", "2 days")

	resp, err := NewClient(srv.URL+"/", time.Second).NextQuestion(context.Background(), NextQuestionRequest{CaseID: "AB12CD34", Answers: answers})
	require.NoError(t, err)
	require.NotNil(t, resp.NextQuestion)
	assert.Equal(t, "Any rash?", *resp.NextQuestion)
	assert.False(t, resp.Done)

	assert.JSONEq(t, `"AB12CD34"`, string(got["case_id"]))
	assert.JSONEq(t, `{"Fever since?":"2 days"}`, string(got["answers"]))
}

func TestClientMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).StartCase(context.Background(), StartCaseRequest{PatientInput: "fever"})
	var svcErr *ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Contains(t, svcErr.Message, "malformed response")
}

func TestClientMissingCaseID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"case_id":"","first_follow_up_question":null}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).StartCase(context.Background(), StartCaseRequest{PatientInput: "fever"})
	var svcErr *ServiceError
	assert.ErrorAs(t, err, &svcErr)
}

func TestClientTimeoutIsNetworkError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewClient(srv.URL, 50*time.Millisecond).StartCase(context.Background(), StartCaseRequest{PatientInput: "fever"})
	var netErr *NetworkError
	assert.ErrorAs(t, err, &netErr)
}
