package anchorblob

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
)

type fakeCredential struct {
	token string
	err   error
}

func (f *fakeCredential) GetToken(_ context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	if f.err != nil {
		return azcore.AccessToken{}, f.err
	}
	return azcore.AccessToken{Token: f.token, ExpiresOn: time.Now().Add(time.Hour)}, nil
}

func TestWriteAnchorSendsBearerTokenAndBlobHeaders(t *testing.T) {
	var gotAuth, gotBlobType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotBlobType = r.Header.Get("x-ms-blob-type")
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	backend := &Backend{
		AccountURL: server.URL,
		Container:  "anchors",
		credential: &fakeCredential{token: "test-token"},
		client:     server.Client(),
	}

	if err := backend.WriteAnchor(context.Background(), "anchor.json", []byte(`{"sequence":1}`)); err != nil {
		t.Fatalf("WriteAnchor() error = %v", err)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization header = %q, want %q", gotAuth, "Bearer test-token")
	}
	if gotBlobType != "BlockBlob" {
		t.Errorf("x-ms-blob-type header = %q, want %q", gotBlobType, "BlockBlob")
	}
}

func TestWriteAnchorFailsWhenTokenFetchErrors(t *testing.T) {
	backend := &Backend{
		AccountURL: "https://example.blob.core.windows.net",
		Container:  "anchors",
		credential: &fakeCredential{err: context.DeadlineExceeded},
		client:     http.DefaultClient,
	}
	if err := backend.WriteAnchor(context.Background(), "anchor.json", []byte("{}")); err == nil {
		t.Error("WriteAnchor() error = nil, want non-nil when the credential fails")
	}
}

func TestWriteAnchorFailsOnNonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	backend := &Backend{
		AccountURL: server.URL,
		Container:  "anchors",
		credential: &fakeCredential{token: "test-token"},
		client:     server.Client(),
	}
	if err := backend.WriteAnchor(context.Background(), "anchor.json", []byte("{}")); err == nil {
		t.Error("WriteAnchor() error = nil, want non-nil on a 403 response")
	}
}
