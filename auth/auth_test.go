package auth

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustURL(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	require.NoError(t, err)
	return u
}

func TestSpaceOf(t *testing.T) {
	testcases := []struct {
		desc string
		url  string
		want Space
	}{
		{
			desc: "default http port",
			url:  "http://www.example.com/path",
			want: Space{Scheme: "http", Host: "www.example.com", Port: "80"},
		},
		{
			desc: "default https port",
			url:  "https://www.example.com/",
			want: Space{Scheme: "https", Host: "www.example.com", Port: "443"},
		},
		{
			desc: "explicit port",
			url:  "http://www.example.com:8080/",
			want: Space{Scheme: "http", Host: "www.example.com", Port: "8080"},
		},
		{
			desc: "host is lowercased",
			url:  "http://WWW.Example.COM/",
			want: Space{Scheme: "http", Host: "www.example.com", Port: "80"},
		},
	}

	for _, tc := range testcases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.want, SpaceOf(mustURL(t, tc.url)))
		})
	}
}

func TestParseChallenges(t *testing.T) {
	testcases := []struct {
		desc   string
		values []string
		want   []Challenge
	}{
		{
			desc:   "basic with realm",
			values: []string{`Basic realm="wonderland"`},
			want: []Challenge{
				{Scheme: "Basic", Params: map[string]string{"realm": "wonderland"}},
			},
		},
		{
			desc:   "bare scheme",
			values: []string{"NTLM"},
			want: []Challenge{
				{Scheme: "NTLM", Params: map[string]string{}},
			},
		},
		{
			desc:   "scheme with token68",
			values: []string{"NTLM TlRMTVNTUAACAAAA=="},
			want: []Challenge{
				{Scheme: "NTLM", Params: map[string]string{}, Token: "TlRMTVNTUAACAAAA=="},
			},
		},
		{
			desc:   "scheme with unpadded token68",
			values: []string{"NTLM TlRMTVNTUAACAAAADgAOADgAAAA"},
			want: []Challenge{
				{Scheme: "NTLM", Params: map[string]string{}, Token: "TlRMTVNTUAACAAAADgAOADgAAAA"},
			},
		},
		{
			desc:   "multiple challenges in one value",
			values: []string{`NTLM, Basic realm="wonderland", charset="UTF-8"`},
			want: []Challenge{
				{Scheme: "NTLM", Params: map[string]string{}},
				{Scheme: "Basic", Params: map[string]string{
					"realm":   "wonderland",
					"charset": "UTF-8",
				}},
			},
		},
		{
			desc: "multiple header values",
			values: []string{
				`Basic realm="a"`,
				`Basic realm="b, with comma"`,
			},
			want: []Challenge{
				{Scheme: "Basic", Params: map[string]string{"realm": "a"}},
				{Scheme: "Basic", Params: map[string]string{"realm": "b, with comma"}},
			},
		},
		{
			desc:   "escaped quote in realm",
			values: []string{`Basic realm="say \"hi\""`},
			want: []Challenge{
				{Scheme: "Basic", Params: map[string]string{"realm": `say "hi"`}},
			},
		},
	}

	for _, tc := range testcases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseChallenges(tc.values))
		})
	}
}

func TestChallengeRealmDefault(t *testing.T) {
	ch := Challenge{Scheme: "Basic", Params: map[string]string{}}
	assert.Equal(t, DefaultRealm, ch.Realm())
}

func TestStore(t *testing.T) {
	space := Space{Scheme: "http", Host: "www.example.com", Port: "80"}
	other := Space{Scheme: "http", Host: "other.example.com", Port: "80"}

	creds := NewBasicCredentials(space, "wonderland", "alice", "secret")
	var store Store
	store.Add(creds)

	challenge := []Challenge{{Scheme: "Basic", Params: map[string]string{"realm": "wonderland"}}}

	t.Run("finds by space and challenge", func(t *testing.T) {
		got, ok := store.FindChallenge(space, challenge)
		require.True(t, ok)
		assert.Same(t, creds, got)
	})

	t.Run("wrong space does not match", func(t *testing.T) {
		_, ok := store.FindChallenge(other, challenge)
		assert.False(t, ok)
	})

	t.Run("wrong realm does not match", func(t *testing.T) {
		_, ok := store.FindChallenge(space, []Challenge{
			{Scheme: "Basic", Params: map[string]string{"realm": "looking-glass"}},
		})
		assert.False(t, ok)
	})

	t.Run("removed credentials are gone", func(t *testing.T) {
		store.Remove(creds)
		_, ok := store.FindChallenge(space, challenge)
		assert.False(t, ok)
	})
}
