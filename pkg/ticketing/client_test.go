package ticketing

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"irrwatch/pkg/model"
	"irrwatch/pkg/util/workers"
)

func testDiff() *model.Diff {
	return &model.Diff{
		ID:         1,
		Target:     "AS64500",
		AddedV4:    []string{"203.0.113.0/24"},
		RemovedV4:  []string{"198.51.100.0/24"},
		DiffHash:   "deadbeef",
		HasChanges: true,
	}
}

func testClient(url string, attempts int) *Client {
	return NewClient(Config{
		BaseURL:  url,
		APIToken: "secret-token",
		Timeout:  5 * time.Second,
		Retry: workers.RetryConfig{
			MaxAttempts:  attempts,
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
			Multiplier:   1,
		},
	}, zerolog.Nop())
}

func TestBuildPayload(t *testing.T) {
	client := testClient("http://example.invalid", 1)

	raw, err := client.BuildPayload("AS64500", testDiff(), []string{"RADB", "RIPE"})
	require.NoError(t, err)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &payload))

	assert.Equal(t, "irr_prefix_change", payload["type"])
	assert.Equal(t, "AS64500", payload["target"])
	assert.Equal(t, "deadbeef", payload["diff_hash"])
	assert.Contains(t, payload["summary"], "1 added IPv4")

	_, err = time.Parse(time.RFC3339, payload["timestamp"].(string))
	assert.NoError(t, err)

	changes := payload["changes"].(map[string]interface{})
	assert.Equal(t, []interface{}{"203.0.113.0/24"}, changes["added_ipv4"])
	assert.Equal(t, []interface{}{"198.51.100.0/24"}, changes["removed_ipv4"])
	assert.Equal(t, []interface{}{}, changes["added_ipv6"], "empty lists serialize as [], not null")
}

func TestCreateTicket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/tickets", r.URL.Path)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		assert.Equal(t, "deadbeef", r.Header.Get("X-Idempotency-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"diff_hash":"deadbeef"`)

		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"ticket_id": "CHG-0042"}`)
	}))
	defer srv.Close()

	resp, err := testClient(srv.URL, 1).CreateTicket(context.Background(), "AS64500", testDiff(), []string{"RADB"}, false)
	require.NoError(t, err)

	assert.Equal(t, model.TicketCreated, resp.Status)
	assert.Equal(t, "CHG-0042", resp.TicketID)
	assert.False(t, resp.IsDuplicate)
}

func TestCreateTicketDuplicate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		io.WriteString(w, `{"existing_ticket_id": "CHG-0007"}`)
	}))
	defer srv.Close()

	resp, err := testClient(srv.URL, 1).CreateTicket(context.Background(), "AS64500", testDiff(), nil, false)
	require.NoError(t, err)

	assert.Equal(t, model.TicketDuplicate, resp.Status)
	assert.Equal(t, "CHG-0007", resp.TicketID)
	assert.True(t, resp.IsDuplicate)
}

func TestCreateTicketDryRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("dry-run must not hit the API")
	}))
	defer srv.Close()

	resp, err := testClient(srv.URL, 1).CreateTicket(context.Background(), "AS64500", testDiff(), nil, true)
	require.NoError(t, err)

	assert.Equal(t, model.TicketDryRun, resp.Status)
	assert.Empty(t, resp.TicketID)
}

func TestCreateTicketRetriesServerErrors(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"ticket_id": "CHG-0001"}`)
	}))
	defer srv.Close()

	resp, err := testClient(srv.URL, 3).CreateTicket(context.Background(), "AS64500", testDiff(), nil, false)
	require.NoError(t, err)

	assert.Equal(t, 3, attempts)
	assert.Equal(t, model.TicketCreated, resp.Status)
}

func TestCreateTicketExhaustedRetriesReportFailed(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	resp, err := testClient(srv.URL, 2).CreateTicket(context.Background(), "AS64500", testDiff(), nil, false)
	require.NoError(t, err, "a failed submission is a recorded state, not a crash")

	assert.Equal(t, 2, attempts)
	assert.Equal(t, model.TicketFailed, resp.Status)
	assert.Contains(t, resp.ErrorMessage, "500")
}

func TestCreateTicketClientErrorNotRetried(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	resp, err := testClient(srv.URL, 3).CreateTicket(context.Background(), "AS64500", testDiff(), nil, false)
	require.NoError(t, err)

	assert.Equal(t, 1, attempts, "4xx responses are final")
	assert.Equal(t, model.TicketFailed, resp.Status)
	assert.Contains(t, resp.ErrorMessage, "400")
}

func TestCreateTicketUnreachableAPI(t *testing.T) {
	client := testClient("http://127.0.0.1:1", 2)

	resp, err := client.CreateTicket(context.Background(), "AS64500", testDiff(), nil, false)
	require.NoError(t, err)

	assert.Equal(t, model.TicketFailed, resp.Status)
	assert.NotEmpty(t, resp.ErrorMessage)
}
