package alter

import "testing"

func TestMessageConstructors(t *testing.T) {
	m := UserMessage("hi")
	if m.Role != RoleUser || m.Content != "hi" {
		t.Errorf("UserMessage = %+v", m)
	}

	m = ModelMessage("hello")
	if m.Role != RoleModel || m.Content != "hello" {
		t.Errorf("ModelMessage = %+v", m)
	}

	img := ImageData{MimeType: "image/png", Base64: "aGk="}
	m = UserMessageWithImages("look", []ImageData{img})
	if m.Role != RoleUser || len(m.Images) != 1 || m.Images[0].MimeType != "image/png" {
		t.Errorf("UserMessageWithImages = %+v", m)
	}

	calls := []ToolCall{{ID: "c1", Name: "shell", Args: rawArgs(`{"command":"ls"}`)}}
	m = ModelToolCallMessage("running ls", calls)
	if m.Role != RoleModel || len(m.ToolCalls) != 1 || m.ToolCalls[0].Name != "shell" {
		t.Errorf("ModelToolCallMessage = %+v", m)
	}

	m = ToolResponseMessage(ToolResponse{ID: "c1", Name: "shell", Content: "file.txt"})
	if m.Role != RoleUser || len(m.ToolResponses) != 1 || m.ToolResponses[0].Content != "file.txt" {
		t.Errorf("ToolResponseMessage = %+v", m)
	}
}

func TestUsageAddAndTotal(t *testing.T) {
	var u Usage
	u.Add(Usage{InputTokens: 10, OutputTokens: 5, ThinkingTokens: 2})
	u.Add(Usage{InputTokens: 3, OutputTokens: 1})

	want := Usage{InputTokens: 13, OutputTokens: 6, ThinkingTokens: 2}
	if u != want {
		t.Errorf("usage = %+v, want %+v", u, want)
	}
	if u.Total() != 21 {
		t.Errorf("total = %d, want 21", u.Total())
	}
}

func TestEventTerminal(t *testing.T) {
	for _, tc := range []struct {
		typ  EventType
		want bool
	}{
		{EventDone, true},
		{EventError, true},
		{EventThinking, false},
		{EventText, false},
		{EventToolCall, false},
		{EventToolResult, false},
		{EventStuckWarning, false},
		{EventHeartbeat, false},
	} {
		if got := (Event{Type: tc.typ}).Terminal(); got != tc.want {
			t.Errorf("%s Terminal = %v, want %v", tc.typ, got, tc.want)
		}
	}
}

func TestResultConstructors(t *testing.T) {
	ok := Ok("done")
	if !ok.Success || ok.Output != "done" || ok.Error != "" {
		t.Errorf("Ok = %+v", ok)
	}
	fail := Fail("no such file")
	if fail.Success || fail.Error != "no such file" {
		t.Errorf("Fail = %+v", fail)
	}
}
