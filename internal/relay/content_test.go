package relay

import (
	"strings"
	"testing"
	"time"
)

func TestRenderReply(t *testing.T) {
	t.Parallel()

	loc := time.UTC
	task := ClaimedTask{
		RelayTask:  RelayTask{SourceTID: 100, TargetTID: 999},
		Title:      "路由器求推荐",
		AuthorName: "张三",
		AuthorID:   42,
		CreateTime: 1700000000,
		Text:       "预算五百，覆盖两室一厅，求推荐一款路由器。",
	}

	short := RenderReply(task, nil, ContentSpec{Mode: ModeLink, MaxTextChars: 300, Location: loc})
	if !strings.Contains(short, "【新帖收录】路由器求推荐") {
		t.Fatalf("missing header: %q", short)
	}
	if !strings.Contains(short, "https://tieba.baidu.com/p/100") {
		t.Fatalf("missing source link: %q", short)
	}
	if strings.Contains(short, "图片链接") {
		t.Fatal("link mode must not embed image URLs")
	}

	full := RenderReply(task, []string{"http://img/a.jpg", "http://img/b.jpg", "http://img/c.jpg", "http://img/d.jpg"},
		ContentSpec{Mode: ModeFull, MaxTextChars: 300, MaxImages: 3, Location: loc})
	if strings.Count(full, "http://img/") != 3 {
		t.Fatalf("expected 3 image links, got: %q", full)
	}

	// Anonymous author falls back to uid.
	task.AuthorName = "  "
	anon := RenderReply(task, nil, ContentSpec{Mode: ModeLink, MaxTextChars: 300, Location: loc})
	if !strings.Contains(anon, "uid:42") {
		t.Fatalf("expected uid fallback: %q", anon)
	}
}

func TestTruncateRunes(t *testing.T) {
	t.Parallel()

	s := "一二三四五"
	if got := truncateRunes(s, 3); got != "一二三…" {
		t.Fatalf("truncateRunes = %q", got)
	}
	if got := truncateRunes(s, 5); got != s {
		t.Fatalf("no-op truncate changed string: %q", got)
	}
}
