package sink

import (
	"encoding/base64"
	"testing"
)

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func TestAuthenticator_Enabled(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		username string
		password string
		want     bool
	}{
		{name: "both set", username: "user", password: "pass", want: true},
		{name: "empty username", password: "pass"},
		{name: "empty password", username: "user"},
		{name: "both empty"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := NewAuthenticator(tt.username, tt.password).Enabled(); got != tt.want {
				t.Errorf("Enabled(): got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuthenticator_VerifyPlain(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator("mailer", "s3cret")

	tests := []struct {
		name     string
		encoded  string
		wantUser string
		wantErr  error
	}{
		{name: "valid", encoded: b64("\x00mailer\x00s3cret"), wantUser: "mailer"},
		{name: "with authzid", encoded: b64("admin\x00mailer\x00s3cret"), wantUser: "mailer"},
		{name: "wrong password", encoded: b64("\x00mailer\x00nope"), wantUser: "mailer", wantErr: errBadCreds},
		{name: "wrong username", encoded: b64("\x00other\x00s3cret"), wantUser: "other", wantErr: errBadCreds},
		{name: "missing separator", encoded: b64("mailer:s3cret"), wantErr: errBadPlain},
		{name: "not base64", encoded: "!!!", wantErr: errBadEncoding},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			user, err := auth.VerifyPlain(tt.encoded)
			if err != tt.wantErr {
				t.Errorf("error: got %v, want %v", err, tt.wantErr)
			}
			if user != tt.wantUser {
				t.Errorf("user: got %q, want %q", user, tt.wantUser)
			}
		})
	}
}

func TestAuthenticator_VerifyLogin(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator("mailer", "s3cret")

	tests := []struct {
		name    string
		user    string
		pass    string
		wantErr error
	}{
		{name: "valid", user: b64("mailer"), pass: b64("s3cret")},
		{name: "wrong password", user: b64("mailer"), pass: b64("nope"), wantErr: errBadCreds},
		{name: "bad username encoding", user: "%%%", pass: b64("s3cret"), wantErr: errBadEncoding},
		{name: "bad password encoding", user: b64("mailer"), pass: "%%%", wantErr: errBadEncoding},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := auth.VerifyLogin(tt.user, tt.pass); err != tt.wantErr {
				t.Errorf("error: got %v, want %v", err, tt.wantErr)
			}
		})
	}
}
