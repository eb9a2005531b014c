// internal/anymail/attributes_test.go

package anymail

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildRecording(t *testing.T, msg *Message, opts Options) *recordingPayload {
	t.Helper()
	b := newTestBackend(t, &fakeAdapter{}, opts)
	p, err := b.BuildPayload(msg)
	require.NoError(t, err)
	rp, ok := p.(*recordingPayload)
	require.True(t, ok)
	return rp
}

func TestFieldNames_Order(t *testing.T) {
	assert.Equal(t, []string{
		"from_email", "to", "cc", "bcc", "subject", "reply_to", "extra_headers",
		"body", "alternatives", "attachments", "metadata", "send_at", "tags",
		"track_clicks", "track_opens", "template_id", "merge_data",
		"merge_global_data", "esp_extra",
	}, FieldNames())
}

func TestOverride(t *testing.T) {
	tests := []struct {
		name   string
		msg    Field[string]
		global any
		esp    any
		want   string
		isSet  bool
	}{
		{"message wins", Set("msg"), "global", "esp", "msg", true},
		{"esp default", Field[string]{}, "global", "esp", "esp", true},
		{"global default", Field[string]{}, "global", nil, "global", true},
		{"unset", Field[string]{}, nil, nil, "", false},
		{"cleared cancels defaults", Clear[string](), "global", "esp", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			global := map[string]any{}
			if tt.global != nil {
				global["template_id"] = tt.global
			}
			var esp map[string]any
			if tt.esp != nil {
				esp = map[string]any{"template_id": tt.esp}
			}

			msg := newTestMessage("a@example.com")
			msg.TemplateID = tt.msg
			p := buildRecording(t, msg, Options{SendDefaults: global, ESPSendDefaults: esp})

			got, ok := p.values["template_id"]
			assert.Equal(t, tt.isSet, ok)
			if tt.isSet {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestConcatenate_Sequences(t *testing.T) {
	msg := newTestMessage("a@example.com")
	msg.Tags = Set([]string{"m1", "shared"})
	msg.Bcc = []string{"msg-bcc@example.com"}

	p := buildRecording(t, msg, Options{
		SendDefaults: map[string]any{
			"tags": []any{"g1", "shared"},
			"bcc":  []string{"archive@example.com"},
		},
	})

	assert.Equal(t, []string{"g1", "shared", "m1", "shared"}, p.values["tags"])
	bcc := p.values["bcc"].([]Address)
	assert.Equal(t, []string{"archive@example.com", "msg-bcc@example.com"}, Emails(bcc))
}

func TestConcatenate_ESPDefaultsReplaceGlobalKey(t *testing.T) {
	msg := newTestMessage("a@example.com")
	msg.Tags = Set([]string{"m"})

	p := buildRecording(t, msg, Options{
		SendDefaults:    map[string]any{"tags": []string{"global"}},
		ESPSendDefaults: map[string]any{"tags": []string{"esp"}},
	})
	assert.Equal(t, []string{"esp", "m"}, p.values["tags"])
}

func TestConcatenate_Maps(t *testing.T) {
	msg := newTestMessage("a@example.com")
	msg.Metadata = Set(map[string]any{"user": "42", "env": "msg"})

	defaults := map[string]any{"metadata": map[string]any{"env": "default", "app": "relay"}}
	p := buildRecording(t, msg, Options{SendDefaults: defaults})

	assert.Equal(t, map[string]any{"user": "42", "env": "msg", "app": "relay"}, p.values["metadata"])
	// 預設值不可被修改
	assert.Equal(t, map[string]any{"env": "default", "app": "relay"}, defaults["metadata"])
}

func TestConcatenate_ClearedCancelsDefaults(t *testing.T) {
	msg := newTestMessage("a@example.com")
	msg.Tags = Clear[[]string]()
	msg.Metadata = Clear[map[string]any]()

	p := buildRecording(t, msg, Options{SendDefaults: map[string]any{
		"tags":     []string{"g"},
		"metadata": map[string]any{"k": "v"},
	}})
	assert.NotContains(t, p.calls, "tags")
	assert.NotContains(t, p.calls, "metadata")
}

func TestConcatenate_EmptyMessageSliceIsPresent(t *testing.T) {
	msg := newTestMessage("a@example.com")
	msg.Cc = []string{}

	p := buildRecording(t, msg, Options{})
	assert.Contains(t, p.calls, "cc")
	assert.Empty(t, p.values["cc"])
}

func TestPipeline_NoExtendedSetterCalls(t *testing.T) {
	msg := newTestMessage("a@example.com")
	p := buildRecording(t, msg, Options{SendDefaults: map[string]any{"subject": "default"}})

	assert.Equal(t, []string{"from_email", "to", "subject", "text_body"}, p.calls)
}

func TestPipeline_Idempotent(t *testing.T) {
	msg := newTestMessage("a@example.com")
	msg.Tags = Set([]string{"t"})
	msg.MergeData = Set(map[string]map[string]any{"a@example.com": {"name": "A"}})
	msg.Attachments = []Attachment{{Filename: "a.txt", Text: "hello"}}
	opts := Options{SendDefaults: map[string]any{"tags": []string{"d"}, "metadata": map[string]any{"x": 1}}}

	first := buildRecording(t, msg, opts)
	second := buildRecording(t, msg, opts)

	assert.Equal(t, first.calls, second.calls)
	assert.Equal(t, first.values, second.values)
	tags, _ := msg.Tags.Get()
	assert.Equal(t, []string{"t"}, tags)
}

func TestPipeline_BodyDispatch(t *testing.T) {
	msg := newTestMessage("a@example.com")
	msg.ContentSubtype = SubtypeHTML
	msg.Body = "<p>hi</p>"
	msg.Alternatives = []Alternative{
		{Content: "plain version", Mimetype: "text/plain"},
		{Content: "<b>alt</b>", Mimetype: "text/html"},
	}

	p := buildRecording(t, msg, Options{})

	assert.Equal(t, []any{"<p>hi</p>", "<b>alt</b>"}, p.values["html_body"])
	assert.Equal(t, Alternative{Content: "plain version", Mimetype: "text/plain"}, p.values["alternative"])
	assert.NotContains(t, p.calls, "text_body")
}

func TestPipeline_Attachments(t *testing.T) {
	msg := newTestMessage("a@example.com")
	msg.Attachments = []Attachment{
		{Filename: "report.pdf", Content: []byte("%PDF")},
		{Filename: "note.html", Text: "héllo"},
		{Content: []byte{0x1}, Inline: true, ContentID: "<logo@x>"},
	}

	p := buildRecording(t, msg, Options{})

	atts := p.values["attachment"].([]any)
	require.Len(t, atts, 3)

	pdf := atts[0].(PreparedAttachment)
	assert.Equal(t, "application/pdf", pdf.Mimetype)
	assert.Equal(t, "JVBERg==", pdf.B64Content())

	txt := atts[1].(PreparedAttachment)
	assert.Equal(t, "text/html", txt.Mimetype)
	assert.Equal(t, []byte("héllo"), txt.Content)

	inline := atts[2].(PreparedAttachment)
	assert.True(t, inline.Inline)
	assert.Equal(t, "logo@x", inline.CID)
	assert.Equal(t, defaultMimetype, inline.Mimetype)
}

func TestPipeline_AttachmentEncoding(t *testing.T) {
	msg := newTestMessage("a@example.com")
	msg.Encoding = "iso-8859-1"
	msg.Attachments = []Attachment{{Filename: "note.txt", Text: "é"}}

	p := buildRecording(t, msg, Options{})
	att := p.values["attachment"].(PreparedAttachment)
	assert.Equal(t, []byte{0xe9}, att.Content)
}

func TestPipeline_InvalidAddress(t *testing.T) {
	msg := newTestMessage("not an address")
	b := newTestBackend(t, &fakeAdapter{}, Options{})

	_, err := b.BuildPayload(msg)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindInvalidAddress, kind)
}

func TestPipeline_ExtraHeadersDefaultsAsMap(t *testing.T) {
	msg := newTestMessage("a@example.com")
	msg.ExtraHeaders = []Header{{Name: "X-Msg", Value: "1"}}

	p := buildRecording(t, msg, Options{SendDefaults: map[string]any{
		"extra_headers": map[string]any{"X-B": "b", "X-A": 2},
	}})
	assert.Equal(t, []Header{
		{Name: "X-A", Value: "2"},
		{Name: "X-B", Value: "b"},
		{Name: "X-Msg", Value: "1"},
	}, p.values["extra_headers"])
}

func TestPipeline_SendAtTimestamp(t *testing.T) {
	msg := newTestMessage("a@example.com")
	msg.SendAt = Set[any](int64(1700000000))

	p := buildRecording(t, msg, Options{Location: time.FixedZone("UTC+8", 8*3600)})
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), p.values["send_at"])
}

func TestResolveDefaults(t *testing.T) {
	global := map[string]any{"tags": []string{"g"}, "track_opens": true}
	esp := map[string]any{"tags": []string{"e"}}

	resolved := ResolveDefaults(global, esp)
	assert.Equal(t, Defaults{"tags": []string{"e"}, "track_opens": true}, resolved)
	assert.Equal(t, []string{"g"}, global["tags"])
	assert.Len(t, esp, 1)

	assert.Equal(t, Defaults{"tags": []string{"g"}, "track_opens": true}, ResolveDefaults(global, nil))
}
