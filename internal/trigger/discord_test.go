package trigger

import "testing"

func guildMsg(channelID, authorID string, roles ...string) *discordMessage {
	msg := &discordMessage{ChannelID: channelID, GuildID: "g1"}
	msg.Author.ID = authorID
	msg.Member.Roles = roles
	return msg
}

func dmMsg(authorID string) *discordMessage {
	msg := &discordMessage{ChannelID: "dm-chan"}
	msg.Author.ID = authorID
	return msg
}

func TestDiscordGuildAccess(t *testing.T) {
	d := &discordDriver{
		channelIDs:     map[string]bool{"c1": true},
		allowedRoles:   map[string]bool{"ops": true},
		allowedUserIDs: map[string]bool{"u1": true},
	}

	tests := []struct {
		name string
		msg  *discordMessage
		want bool
	}{
		{"listed channel and role", guildMsg("c1", "u9", "ops"), true},
		{"listed channel and user id", guildMsg("c1", "u1"), true},
		{"listed channel, no role match", guildMsg("c1", "u9", "guest"), false},
		{"unlisted channel", guildMsg("c2", "u1", "ops"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.accessAllowed(tt.msg, false); got != tt.want {
				t.Errorf("accessAllowed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDiscordGuildAccessWithoutFilters(t *testing.T) {
	d := &discordDriver{
		channelIDs:     map[string]bool{},
		allowedRoles:   map[string]bool{},
		allowedUserIDs: map[string]bool{},
	}
	if !d.accessAllowed(guildMsg("any", "anyone"), false) {
		t.Error("no filters must allow any guild message")
	}
}

func TestDiscordDMAccess(t *testing.T) {
	tests := []struct {
		name   string
		driver *discordDriver
		author string
		want   bool
	}{
		{
			"no filters allows DM",
			&discordDriver{allowedRoles: map[string]bool{}, allowedUserIDs: map[string]bool{}},
			"u1", true,
		},
		{
			"user id filter, listed",
			&discordDriver{allowedRoles: map[string]bool{}, allowedUserIDs: map[string]bool{"u1": true}},
			"u1", true,
		},
		{
			"user id filter, unlisted",
			&discordDriver{allowedRoles: map[string]bool{}, allowedUserIDs: map[string]bool{"u1": true}},
			"u2", false,
		},
		{
			// roles do not exist in DMs, so a roles-only filter can
			// never be satisfied there
			"roles-only filter denies DMs",
			&discordDriver{allowedRoles: map[string]bool{"ops": true}, allowedUserIDs: map[string]bool{}},
			"u1", false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.driver.accessAllowed(dmMsg(tt.author), true); got != tt.want {
				t.Errorf("accessAllowed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStripMention(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"<@123> status report", "status report"},
		{"<@!123> status report", "status report"},
		{"status <@123> report", "status  report"},
		{"no mention here", "no mention here"},
		{"<@123>", ""},
	}
	for _, tt := range tests {
		if got := stripMention(tt.in, "123"); got != tt.want {
			t.Errorf("stripMention(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDiscordMentionDetection(t *testing.T) {
	d := &discordDriver{}

	msg := &discordMessage{}
	msg.Mentions = []struct {
		ID string `json:"id"`
	}{{ID: "bot1"}, {ID: "other"}}

	if !d.mentioned(msg, "bot1") {
		t.Error("bot mention not detected")
	}
	if d.mentioned(msg, "bot2") {
		t.Error("false positive mention")
	}
	if d.mentioned(&discordMessage{}, "bot1") {
		t.Error("empty mentions must not match")
	}
}
