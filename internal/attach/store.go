package attach

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// storageKey builds a collision-free object key; the original file name is
// kept for display only, never as the storage identity.
func storageKey(class Class, fileName string) string {
	return fmt.Sprintf("%s/%s-%s", class, uuid.New(), fileName)
}

// HTTPStore uploads files to a Cloudinary-compatible media endpoint using a
// signed form POST and returns the durable URL the service assigns.
type HTTPStore struct {
	endpoint  string
	apiKey    string
	apiSecret string
	folder    string
	client    *http.Client
}

func NewHTTPStore(endpoint, apiKey, apiSecret, folder string) *HTTPStore {
	return &HTTPStore{
		endpoint:  endpoint,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		folder:    folder,
		client:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (s *HTTPStore) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	publicID := key
	if s.folder != "" {
		publicID = s.folder + "/" + key
	}

	form := url.Values{}
	form.Add("file", "data:"+contentType+";base64,"+base64.StdEncoding.EncodeToString(data))
	form.Add("api_key", s.apiKey)
	form.Add("public_id", publicID)

	timestamp := fmt.Sprintf("%d", time.Now().Unix())
	form.Add("timestamp", timestamp)

	// Signature over public_id and timestamp, per the upload API contract.
	signaturePayload := fmt.Sprintf("public_id=%s&timestamp=%s%s", publicID, timestamp, s.apiSecret)
	form.Add("signature", fmt.Sprintf("%x", sha1.Sum([]byte(signaturePayload))))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("media upload failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("media upload failed: status %d", res.StatusCode)
	}

	var body struct {
		SecureURL string `json:"secure_url"`
		URL       string `json:"url"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("media upload response decode failed: %w", err)
	}

	if body.SecureURL != "" {
		return body.SecureURL, nil
	}
	if body.URL != "" {
		return body.URL, nil
	}
	return "", fmt.Errorf("media upload response missing url")
}
