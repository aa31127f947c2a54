package pixiv

import (
	"encoding/json"
	"strconv"

	"github.com/iconidentify/moegrabba/internal/domain"
)

// envelope is the common AJAX response wrapper.
type envelope struct {
	Error   bool            `json:"error"`
	Message string          `json:"message"`
	Body    json.RawMessage `json:"body"`
}

// flexInt accepts both JSON numbers and numeric strings; the AJAX API mixes them.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*f = flexInt(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

// listing is one work in a listing response.
type listing struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	URL        string   `json:"url"`
	UserName   string   `json:"userName"`
	UserID     string   `json:"userId"`
	Width      int      `json:"width"`
	Height     int      `json:"height"`
	PageCount  int      `json:"pageCount"`
	IllustType flexInt  `json:"illustType"`
	Tags       []string `json:"tags"`
}

// illustBody is the body of /ajax/illust/{id}.
type illustBody struct {
	ID         string  `json:"illustId"`
	Title      string  `json:"illustTitle"`
	UserName   string  `json:"userName"`
	UserID     string  `json:"userId"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	PageCount  int     `json:"pageCount"`
	IllustType flexInt `json:"illustType"`
	CreateDate string  `json:"createDate"`
	URLs       struct {
		Thumb    string `json:"thumb"`
		Small    string `json:"small"`
		Regular  string `json:"regular"`
		Original string `json:"original"`
	} `json:"urls"`
	Tags struct {
		Tags []struct {
			Tag string `json:"tag"`
		} `json:"tags"`
	} `json:"tags"`
}

func (b *illustBody) tagNames() []string {
	names := make([]string, 0, len(b.Tags.Tags))
	for _, t := range b.Tags.Tags {
		names = append(names, t.Tag)
	}
	return names
}

// pageBody is one element of /ajax/illust/{id}/pages.
type pageBody struct {
	URLs struct {
		ThumbMini string `json:"thumb_mini"`
		Small     string `json:"small"`
		Regular   string `json:"regular"`
		Original  string `json:"original"`
	} `json:"urls"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ugoiraBody is the body of /ajax/illust/{id}/ugoira_meta.
type ugoiraBody struct {
	Src         string `json:"src"`
	OriginalSrc string `json:"originalSrc"`
	MimeType    string `json:"mime_type"`
	Frames      []struct {
		File  string `json:"file"`
		Delay uint32 `json:"delay"`
	} `json:"frames"`
}

func (u *ugoiraBody) frameDescriptors() []domain.FrameDescriptor {
	frames := make([]domain.FrameDescriptor, len(u.Frames))
	for i, f := range u.Frames {
		frames[i] = domain.FrameDescriptor{Delay: f.Delay}
	}
	return frames
}
