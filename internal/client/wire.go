package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tieba-tools/tieba-relay/internal/relay"
)

// errCoded lets callAPI inspect the common error envelope without
// knowing the concrete response type.
type errCoded interface {
	errorCode() int
	errorMsg() string
}

// flexInt tolerates the API's habit of quoting numbers.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("parse number %q: %w", data, err)
	}
	*f = flexInt(n)
	return nil
}

type errEnvelope struct {
	ErrorCode flexInt `json:"error_code"`
	ErrorMsg  string  `json:"error_msg"`
}

func (e errEnvelope) errorCode() int   { return int(e.ErrorCode) }
func (e errEnvelope) errorMsg() string { return e.ErrorMsg }

type wireMedia struct {
	Type      string  `json:"type"`
	BigPic    string  `json:"big_pic"`
	OriginPic string  `json:"origin_pic"`
	SrcPic    string  `json:"src_pic"`
	Width     flexInt `json:"width"`
	Height    flexInt `json:"height"`
}

// best picks the highest-fidelity URL variant present.
func (m wireMedia) best() string {
	switch {
	case m.BigPic != "":
		return m.BigPic
	case m.OriginPic != "":
		return m.OriginPic
	default:
		return m.SrcPic
	}
}

type wireAuthor struct {
	ID       flexInt `json:"id"`
	Name     string  `json:"name"`
	NameShow string  `json:"name_show"`
}

func (a wireAuthor) display() string {
	if a.NameShow != "" {
		return a.NameShow
	}
	return a.Name
}

type wireAbstract struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type wireThread struct {
	TID           flexInt        `json:"tid"`
	FID           flexInt        `json:"fid"`
	FName         string         `json:"fname"`
	Title         string         `json:"title"`
	Author        wireAuthor     `json:"author"`
	AgreeNum      flexInt        `json:"agree_num"`
	FirstPostID   flexInt        `json:"first_post_id"`
	CreateTime    flexInt        `json:"create_time"`
	LastTimeInt   flexInt        `json:"last_time_int"`
	ReplyNum      flexInt        `json:"reply_num"`
	ViewNum       flexInt        `json:"view_num"`
	IsTop         flexInt        `json:"is_top"`
	IsGood        flexInt        `json:"is_good"`
	IsHelp        flexInt        `json:"is_frs_mask"`
	IsHide        flexInt        `json:"is_hide"`
	IsShareThread flexInt        `json:"is_share_thread"`
	Abstract      []wireAbstract `json:"abstract"`
	Media         []wireMedia    `json:"media"`
}

func (wt wireThread) text() string {
	var b bytes.Buffer
	for _, a := range wt.Abstract {
		if a.Type == "" || a.Type == "0" {
			b.WriteString(a.Text)
		}
	}
	return b.String()
}

type wirePage struct {
	CurrentPage flexInt `json:"current_page"`
	HasMore     flexInt `json:"has_more"`
}

type frsResponse struct {
	errEnvelope
	Page       wirePage     `json:"page"`
	ThreadList []wireThread `json:"thread_list"`
}

type postResponse struct {
	errEnvelope
}

// wireContent is one fragment of a post body on the pb (thread detail)
// endpoint: text runs, image references, and types we ignore.
type wireContent struct {
	Type      string  `json:"type"`
	Text      string  `json:"text"`
	OriginSrc string  `json:"origin_src"`
	BigCDNSrc string  `json:"big_cdn_src"`
	CDNSrc    string  `json:"cdn_src"`
	Src       string  `json:"src"`
	Width     flexInt `json:"width"`
	Height    flexInt `json:"height"`
}

func (c wireContent) bestPic() string {
	switch {
	case c.BigCDNSrc != "":
		return c.BigCDNSrc
	case c.OriginSrc != "":
		return c.OriginSrc
	case c.CDNSrc != "":
		return c.CDNSrc
	default:
		return c.Src
	}
}

type wirePost struct {
	ID      flexInt       `json:"id"`
	Floor   flexInt       `json:"floor"`
	Content []wireContent `json:"content"`
}

type pbResponse struct {
	errEnvelope
	PostList []wirePost `json:"post_list"`
}

// mapThreadDetail flattens the thread's first floor into text plus image
// references. Missing first floor yields an empty detail, not an error.
func mapThreadDetail(tid int64, resp pbResponse) relay.ThreadDetail {
	d := relay.ThreadDetail{TID: tid}

	var first *wirePost
	for i := range resp.PostList {
		if resp.PostList[i].Floor == 1 {
			first = &resp.PostList[i]
			break
		}
	}
	if first == nil && len(resp.PostList) > 0 {
		first = &resp.PostList[0]
	}
	if first == nil {
		return d
	}

	var b bytes.Buffer
	for _, fr := range first.Content {
		switch fr.Type {
		case "", "0":
			b.WriteString(fr.Text)
		case "3", "pic":
			u := fr.bestPic()
			if u == "" {
				continue
			}
			d.Images = append(d.Images, relay.ImageRecord{
				TID:        tid,
				URL:        u,
				OriginSrc:  fr.OriginSrc,
				BigSrc:     fr.BigCDNSrc,
				ShowWidth:  int(fr.Width),
				ShowHeight: int(fr.Height),
			})
		}
	}
	d.Text = b.String()
	if raw, err := json.Marshal(first.Content); err == nil && len(first.Content) > 0 {
		d.ContentsJSON = string(raw)
	}
	return d
}

// mapThreadPage converts the wire listing into domain threads, skipping
// ad entries (tid 0) and keeping only picture media.
func mapThreadPage(forum string, resp frsResponse) (relay.ThreadPage, error) {
	page := relay.ThreadPage{
		HasMore: resp.Page.HasMore != 0,
	}
	for _, wt := range resp.ThreadList {
		if wt.TID == 0 {
			continue
		}
		fname := wt.FName
		if fname == "" {
			fname = forum
		}
		t := relay.Thread{
			TID:        int64(wt.TID),
			FID:        int64(wt.FID),
			FName:      fname,
			Title:      wt.Title,
			AuthorID:   int64(wt.Author.ID),
			AuthorName: wt.Author.display(),
			Agree:      int64(wt.AgreeNum),
			PID:        int64(wt.FirstPostID),
			CreateTime: int64(wt.CreateTime),
			LastTime:   int64(wt.LastTimeInt),
			ReplyNum:   int64(wt.ReplyNum),
			ViewNum:    int64(wt.ViewNum),
			IsTop:      wt.IsTop != 0,
			IsGood:     wt.IsGood != 0,
			IsHelp:     wt.IsHelp != 0,
			IsHide:     wt.IsHide != 0,
			IsShare:    wt.IsShareThread != 0,
			Text:       wt.text(),
			Role:       relay.RoleNormal,
		}
		if len(wt.Abstract) > 0 {
			raw, err := json.Marshal(wt.Abstract)
			if err == nil {
				t.ContentsJSON = string(raw)
			}
		}
		for _, m := range wt.Media {
			if m.Type != "" && m.Type != "pic" && m.Type != "3" {
				continue
			}
			u := m.best()
			if u == "" {
				continue
			}
			t.Images = append(t.Images, relay.ImageRecord{
				TID:        t.TID,
				URL:        u,
				OriginSrc:  m.OriginPic,
				BigSrc:     m.BigPic,
				ShowWidth:  int(m.Width),
				ShowHeight: int(m.Height),
			})
		}
		page.Threads = append(page.Threads, t)
	}
	return page, nil
}
