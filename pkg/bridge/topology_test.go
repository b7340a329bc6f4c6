package bridge

import (
	"reflect"
	"sort"
	"testing"

	"github.com/sipeed/chatbridge/pkg/bus"
)

func int64p(v int64) *int64 { return &v }

func TestSplitChannelID(t *testing.T) {
	tests := []struct {
		id       string
		platform string
		native   string
		wantErr  bool
	}{
		{id: "irc/#chat", platform: "irc", native: "#chat"},
		{id: "telegram/-1001234", platform: "telegram", native: "-1001234"},
		{id: "discord/987654", platform: "discord", native: "987654"},
		{id: "telegram/a/b", platform: "telegram", native: "a/b"},
		{id: "noslash", wantErr: true},
		{id: "/empty", wantErr: true},
		{id: "irc/", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			platform, native, err := SplitChannelID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SplitChannelID(%q) err = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if platform != tt.platform || native != tt.native {
				t.Fatalf("SplitChannelID(%q) = (%q, %q), want (%q, %q)",
					tt.id, platform, native, tt.platform, tt.native)
			}
		})
	}
}

func TestPeers(t *testing.T) {
	topo := New([][]string{
		{"irc/#a", "telegram/100", "discord/200"},
		{"telegram/100x", "discord/300"},
	})

	tests := []struct {
		group string
		want  []string
	}{
		{"irc/#a", []string{"telegram/100", "discord/200"}},
		{"telegram/100", []string{"irc/#a", "discord/200"}},
		{"discord/300", []string{"telegram/100x"}},
		{"telegram/999", nil},
	}
	for _, tt := range tests {
		t.Run(tt.group, func(t *testing.T) {
			if got := topo.Peers(tt.group); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Peers(%q) = %v, want %v", tt.group, got, tt.want)
			}
		})
	}
}

func TestDuplicateMembershipLastWriteWins(t *testing.T) {
	// C appears in two groups; its peers come from the second group only.
	topo := New([][]string{
		{"irc/#a", "telegram/C"},
		{"telegram/C", "discord/D"},
	})

	if got, want := topo.Peers("telegram/C"), []string{"discord/D"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Peers(C) = %v, want %v", got, want)
	}
	// A still points at C from the first group.
	if got, want := topo.Peers("irc/#a"), []string{"telegram/C"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Peers(A) = %v, want %v", got, want)
	}
}

func TestGroupsOn(t *testing.T) {
	topo := New([][]string{
		{"irc/#a", "irc/#b", "telegram/100"},
	})
	got := topo.GroupsOn("IRC")
	sort.Strings(got)
	if want := []string{"#a", "#b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("GroupsOn(IRC) = %v, want %v", got, want)
	}
}

func TestUpdateTargetsOutboundOnly(t *testing.T) {
	// A -> C, C -> D chain. A record that traveled A -> C carries entries
	// for A and C. A delete in C may only touch D, which the record never
	// reached, so nothing is updated.
	topo := New([][]string{
		{"irc/#a", "telegram/C"},
		{"telegram/C", "discord/D"},
	})
	rec := &bus.Record{
		BridgeMessages: []bus.BridgeMessage{
			{Group: "irc/#a"},
			{Group: "telegram/C", MessageID: int64p(42)},
		},
	}

	if got := topo.UpdateTargets(rec, "telegram/C"); got != nil {
		t.Fatalf("UpdateTargets(C) = %v, want none", got)
	}

	// From A's perspective the same record updates only C.
	got := topo.UpdateTargets(rec, "irc/#a")
	if len(got) != 1 || got[0].Group != "telegram/C" {
		t.Fatalf("UpdateTargets(A) = %v, want [telegram/C]", got)
	}
}

func TestUpdateTargetsExcludesOrigin(t *testing.T) {
	topo := New([][]string{
		{"telegram/100", "discord/200"},
	})
	rec := &bus.Record{
		BridgeMessages: []bus.BridgeMessage{
			{Group: "telegram/100", MessageID: int64p(42)},
			{Group: "discord/200", MessageID: int64p(777)},
		},
	}
	got := topo.UpdateTargets(rec, "telegram/100")
	if len(got) != 1 || got[0].Group != "discord/200" {
		t.Fatalf("UpdateTargets = %v, want [discord/200]", got)
	}
}
