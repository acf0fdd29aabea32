package signature

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCreateEnvelopeCallSequence(t *testing.T) {
	var mu sync.Mutex
	var calls []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		mu.Unlock()

		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]string{"id": "obj-1"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "token-1", nil)
	envelopeID, err := client.CreateEnvelope(context.Background(), EnvelopeRequest{
		Name:         "Contrato 2026000001",
		DocumentName: "contrato.pdf",
		ContentType:  "application/pdf",
		Content:      []byte("%PDF-1.4"),
		Signers: []SignerRequest{
			{Name: "Ana", Email: "ana@example.com"},
		},
	})
	assert.NoError(t, err)
	assert.Equal(t, "obj-1", envelopeID)

	assert.Equal(t, []string{
		"POST /envelopes",
		"POST /envelopes/obj-1/documents",
		"POST /envelopes/obj-1/signers",
		"POST /envelopes/obj-1/requirements",
		"PATCH /envelopes/obj-1",
		"POST /envelopes/obj-1/notifications",
	}, calls)
}

func TestCreateEnvelopeProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusForbidden)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "token-1", nil)
	_, err := client.CreateEnvelope(context.Background(), EnvelopeRequest{Name: "x"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
