package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseICEServersJSON(t *testing.T) {
	t.Parallel()

	raw := `[
	  {"urls": ["stun:stun.example.com:3478"]},
	  {
	    "urls": "turn:turn.example.com:3478?transport=udp",
	    "username": "user",
	    "credential": "pass"
	  }
	]`

	servers, err := ParseICEServersJSON(raw)
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, []string{"stun:stun.example.com:3478"}, servers[0].URLs)
	assert.Nil(t, servers[0].Credential)
	assert.Equal(t, []string{"turn:turn.example.com:3478?transport=udp"}, servers[1].URLs)
	assert.Equal(t, "user", servers[1].Username)
	assert.Equal(t, "pass", servers[1].Credential)
}

func TestParseICEServersJSON_Rejects(t *testing.T) {
	t.Parallel()

	for name, raw := range map[string]string{
		"not json":           `{`,
		"object":             `{"urls": "stun:a"}`,
		"missing urls":       `[{}]`,
		"bad urls type":      `[{"urls": 3}]`,
		"unsupported scheme": `[{"urls": "http://example.com"}]`,
		"turn without creds": `[{"urls": ["turn:turn.example.com:3478"]}]`,
		"turn without cred":  `[{"urls": "turns:turn.example.com", "username": "u"}]`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseICEServersJSON(raw)
			assert.Error(t, err)
		})
	}
}

func TestParseICEServersJSONWinsOverLists(t *testing.T) {
	t.Parallel()

	servers, err := parseICEServersFromValues(`[{"urls":"stun:json.example"}]`, "stun:list.example", "", "", "")
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, []string{"stun:json.example"}, servers[0].URLs)
}

func TestParseICEServerLists(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServerLists(
		"stun:stun.example.com:3478",
		"turn:turn.example.com:3478?transport=udp, turns:turn.example.com:5349",
		"user",
		"pass",
	)
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Empty(t, servers[0].Username)
	assert.Nil(t, servers[0].Credential)
	assert.Len(t, servers[1].URLs, 2)
	assert.Equal(t, "user", servers[1].Username)
	assert.Equal(t, "pass", servers[1].Credential)
}

func TestParseICEServerLists_Empty(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServerLists(" , ", "", "", "")
	require.NoError(t, err)
	assert.Empty(t, servers)
}

func TestParseICEServerLists_TURNNeedsCreds(t *testing.T) {
	t.Parallel()

	_, err := ParseICEServerLists("", "turn:turn.example.com:3478", "user", "")
	assert.Error(t, err)
}

func TestLegacySTUNURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "stun:stun.l.google.com:19302", legacySTUNURL("stun://stun.l.google.com:19302"))
	assert.Equal(t, "stun:already.example", legacySTUNURL(" stun:already.example "))
	assert.Equal(t, "", legacySTUNURL(""))
}
