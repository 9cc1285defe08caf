package platform

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sawpanic/replyrun/internal/config"
)

// signer produces OAuth 1.0a HMAC-SHA1 Authorization headers for user-context calls
type signer struct {
	creds config.Credentials
	nonce func() string
}

func newSigner(creds config.Credentials) *signer {
	return &signer{
		creds: creds,
		nonce: func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
	}
}

// sign sets the Authorization header. extra holds form-encoded body
// parameters, which take part in the signature; JSON bodies do not.
func (s *signer) sign(req *http.Request, now time.Time, extra url.Values) {
	oauth := map[string]string{
		"oauth_consumer_key":     s.creds.AppKey,
		"oauth_nonce":            s.nonce(),
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        strconv.FormatInt(now.Unix(), 10),
		"oauth_token":            s.creds.AccessToken,
		"oauth_version":          "1.0",
	}

	params := url.Values{}
	for k, vs := range req.URL.Query() {
		params[k] = append(params[k], vs...)
	}
	for k, vs := range extra {
		params[k] = append(params[k], vs...)
	}
	for k, v := range oauth {
		params.Set(k, v)
	}

	oauth["oauth_signature"] = s.signature(req.Method, baseURL(req.URL), params)

	keys := make([]string, 0, len(oauth))
	for k := range oauth {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, percentEncode(k)+`="`+percentEncode(oauth[k])+`"`)
	}
	req.Header.Set("Authorization", "OAuth "+strings.Join(parts, ", "))
}

func (s *signer) signature(method, base string, params url.Values) string {
	key := percentEncode(s.creds.AppSecret) + "&" + percentEncode(s.creds.AccessSecret)
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(signatureBase(method, base, params)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func signatureBase(method, base string, params url.Values) string {
	pairs := make([]string, 0, len(params))
	for k, vs := range params {
		for _, v := range vs {
			pairs = append(pairs, percentEncode(k)+"="+percentEncode(v))
		}
	}
	sort.Strings(pairs)

	return strings.ToUpper(method) + "&" + percentEncode(base) + "&" + percentEncode(strings.Join(pairs, "&"))
}

func baseURL(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + u.EscapedPath()
}

// percentEncode is RFC 3986 encoding: everything but unreserved characters
func percentEncode(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if ('A' <= c && c <= 'Z') || ('a' <= c && c <= 'z') || ('0' <= c && c <= '9') ||
			c == '-' || c == '.' || c == '_' || c == '~' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}
