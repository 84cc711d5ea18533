// Package anchorblob is an optional, off-device eventbuilder.AnchorBackend
// that uploads ledger-head attestations to Azure Blob Storage instead of
// the local anchor file, for operators who want the attestation to
// survive a lost or corrupted local disk. It has no local-file analog:
// configuring it is how an operator opts the ledger head into surviving
// the one failure mode (disk loss) the default local anchor cannot.
package anchorblob

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

// blobAPIVersion pins the Blob Storage REST contract this backend speaks.
const blobAPIVersion = "2023-11-03"

// storageScope is the fixed OAuth scope Azure Storage's control and data
// planes both accept from an AAD bearer token.
const storageScope = "https://storage.azure.com/.default"

// Backend uploads each anchor as a fresh block blob under Container,
// named by the caller (eventbuilder passes its configured anchor name).
// There is no local SDK for the full Blob data plane in this module's
// dependency set, so uploads go over a plain HTTP PUT per the Put Blob
// REST operation, authenticated with a bearer token azidentity supplies —
// the REST surface Azure's own SDKs are themselves generated against.
type Backend struct {
	AccountURL string // e.g. https://<account>.blob.core.windows.net
	Container  string

	credential azcore.TokenCredential
	client     *http.Client
}

// NewBackend constructs a Backend authenticated with Azure's default
// credential chain (environment variables, managed identity, then the
// Azure CLI's cached login, in that order) — the same chain any
// `az login`-based tooling expects, so an operator who has already
// authenticated for other Azure work needs no separate setup here.
func NewBackend(accountURL, container string) (*Backend, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("anchorblob: build credential: %w", err)
	}
	return &Backend{
		AccountURL: accountURL,
		Container:  container,
		credential: cred,
		client:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// WriteAnchor PUTs data as a block blob named name under b.Container,
// satisfying eventbuilder.AnchorBackend.
func (b *Backend) WriteAnchor(ctx context.Context, name string, data []byte) error {
	token, err := b.credential.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{storageScope}})
	if err != nil {
		return fmt.Errorf("anchorblob: get token: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s", b.AccountURL, b.Container, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("anchorblob: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.Token)
	req.Header.Set("x-ms-version", blobAPIVersion)
	req.Header.Set("x-ms-blob-type", "BlockBlob")
	req.Header.Set("Content-Length", strconv.Itoa(len(data)))

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("anchorblob: upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("anchorblob: upload to %s failed with status %s", url, resp.Status)
	}
	return nil
}
