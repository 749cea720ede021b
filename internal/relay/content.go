package relay

import (
	"fmt"
	"strings"
	"time"
)

// Reply rendering modes.
const (
	ModeLink = "link" // short: header plus a trimmed excerpt
	ModeFull = "full" // header, longer excerpt, image links
)

// Posts longer than this are trimmed regardless of mode; the platform
// rejects oversized replies.
const maxReplyRunes = 1800

// ContentSpec controls how a source thread is rendered into the reply
// posted to its collection thread.
type ContentSpec struct {
	Mode         string
	MaxTextChars int
	MaxImages    int
	Location     *time.Location
}

// RenderReply builds the reply body for one claimed task. An empty result
// means the task should be SKIPPED rather than posted.
func RenderReply(t ClaimedTask, imageURLs []string, spec ContentSpec) string {
	author := strings.TrimSpace(t.AuthorName)
	if author == "" {
		author = fmt.Sprintf("uid:%d", t.AuthorID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "【新帖收录】%s\n", strings.TrimSpace(t.Title))
	fmt.Fprintf(&b, "作者：%s\n", author)
	fmt.Fprintf(&b, "作者ID：%d\n", t.AuthorID)
	fmt.Fprintf(&b, "时间：%s\n", FormatLocal(t.CreateTime, spec.Location))
	fmt.Fprintf(&b, "原帖链接：https://tieba.baidu.com/p/%d\n", t.SourceTID)
	fmt.Fprintf(&b, "帖子ID：%d\n", t.SourceTID)

	text := strings.TrimSpace(t.Text)
	if spec.Mode == ModeFull {
		if text != "" {
			b.WriteString("\n正文摘录：\n" + truncateRunes(text, spec.MaxTextChars))
		}
		if len(imageURLs) > 0 && spec.MaxImages > 0 {
			urls := imageURLs
			if len(urls) > spec.MaxImages {
				urls = urls[:spec.MaxImages]
			}
			b.WriteString("\n图片链接：\n" + strings.Join(urls, "\n"))
		}
	} else if text != "" {
		limit := spec.MaxTextChars
		if limit > 120 {
			limit = 120
		}
		b.WriteString("\n摘要：\n" + truncateRunes(text, limit))
	}

	return truncateRunes(strings.TrimSpace(b.String()), maxReplyRunes)
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
