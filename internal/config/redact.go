package config

import (
	"regexp"
)

const redacted = "[REDACTED]"

// dsnPassword matches the password part of a URL-style connection string
var dsnPassword = regexp.MustCompile(`(://[^:/@\s]*:)[^@\s]+@`)

// Redacted returns a copy safe to print or log: credentials are masked and
// connection strings lose their passwords.
func (c *Config) Redacted() Config {
	out := *c
	out.Texts = append([]string(nil), c.Texts...)

	for _, field := range []*string{
		&out.Credentials.AppKey,
		&out.Credentials.AppSecret,
		&out.Credentials.AccessToken,
		&out.Credentials.AccessSecret,
	} {
		if *field != "" {
			*field = redacted
		}
	}

	out.Ledger.PostgresDSN = RedactDSN(out.Ledger.PostgresDSN)
	out.Ledger.RedisAddr = RedactDSN(out.Ledger.RedisAddr)
	out.Tags.RedisAddr = RedactDSN(out.Tags.RedisAddr)
	return out
}

// RedactDSN masks the password in a connection string
func RedactDSN(dsn string) string {
	return dsnPassword.ReplaceAllString(dsn, "${1}"+redacted+"@")
}
