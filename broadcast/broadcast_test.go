package broadcast

import "testing"

func TestIsFreeChat(t *testing.T) {
	cases := []struct {
		title string
		topic string
		want  bool
	}{
		{"【Free Chat】come hang out", "", true},
		{"FREECHAT", "", true},
		{"chat room for everyone", "", true},
		{"weekly schedule + announcements", "", true},
		{"フリーチャット", "", true},
		{"雑談部屋", "", true},
		{"karaoke night!!", "FreeChat", true},
		{"karaoke night!!", "singing", false},
		{"Minecraft w/ friends", "", false},
	}
	for _, tc := range cases {
		b := Broadcast{Title: tc.title, Topic: tc.topic}
		if got := b.IsFreeChat(); got != tc.want {
			t.Errorf("IsFreeChat(%q, %q) = %v, want %v", tc.title, tc.topic, got, tc.want)
		}
	}
}

func TestReplicas(t *testing.T) {
	cases := []struct {
		status   Status
		replicas int
		want     int
	}{
		{StatusLive, 1, 1},
		{StatusLive, 0, 1},
		{StatusLive, 2, 2},
		{StatusUpcoming, 1, 1},
		{StatusPast, 2, 0},
		{StatusMissing, 1, 0},
		{StatusNew, 1, 0},
	}
	for _, tc := range cases {
		b := Broadcast{Status: tc.status, ReplicaCount: tc.replicas}
		if got := b.Replicas(); got != tc.want {
			t.Errorf("Replicas(%s, %d) = %d, want %d", tc.status, tc.replicas, got, tc.want)
		}
	}
}
