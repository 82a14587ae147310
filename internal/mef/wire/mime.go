package wire

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"
)

// RootContentID identifies the SOAP part of a multipart message.
const RootContentID = "<soap-envelope>"

// Attachment is a non-SOAP MIME part.
type Attachment struct {
	ContentID   string
	ContentType string
	Data        []byte
}

// Marshal renders env as XML with a declaration.
func Marshal(env Envelope) ([]byte, error) {
	body, err := xml.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// Unmarshal parses a SOAP envelope.
func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := xml.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}

// EncodeMultipart packages env and attachments as multipart/related and
// returns the body with its Content-Type header value.
func EncodeMultipart(env Envelope, attachments ...Attachment) ([]byte, string, error) {
	soap, err := Marshal(env)
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	root, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {`text/xml; charset=UTF-8`},
		"Content-Transfer-Encoding": {"8bit"},
		"Content-Id":                {RootContentID},
	})
	if err != nil {
		return nil, "", err
	}
	if _, err := root.Write(soap); err != nil {
		return nil, "", err
	}

	for _, a := range attachments {
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {ct},
			"Content-Transfer-Encoding": {"binary"},
			"Content-Id":                {"<" + a.ContentID + ">"},
		})
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(a.Data); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}

	contentType := mime.FormatMediaType("multipart/related", map[string]string{
		"type":     "text/xml",
		"start":    RootContentID,
		"boundary": mw.Boundary(),
	})
	return buf.Bytes(), contentType, nil
}

// DecodeMultipart reverses EncodeMultipart. A plain text/xml body is
// accepted as an envelope without attachments.
func DecodeMultipart(contentType string, body io.Reader, limit int64) (Envelope, []Attachment, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return Envelope{}, nil, fmt.Errorf("parse content type: %w", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		data, err := io.ReadAll(io.LimitReader(body, limit))
		if err != nil {
			return Envelope{}, nil, err
		}
		env, err := Unmarshal(data)
		return env, nil, err
	}

	boundary := params["boundary"]
	if boundary == "" {
		return Envelope{}, nil, errors.New("multipart body without boundary")
	}
	start := params["start"]
	if start == "" {
		start = RootContentID
	}

	mr := multipart.NewReader(io.LimitReader(body, limit), boundary)
	var (
		env         Envelope
		haveRoot    bool
		attachments []Attachment
	)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Envelope{}, nil, fmt.Errorf("read part: %w", err)
		}
		data, err := io.ReadAll(part)
		if err != nil {
			return Envelope{}, nil, fmt.Errorf("read part body: %w", err)
		}
		id := part.Header.Get("Content-Id")
		if !haveRoot && (id == start || id == "") {
			if env, err = Unmarshal(data); err != nil {
				return Envelope{}, nil, err
			}
			haveRoot = true
			continue
		}
		attachments = append(attachments, Attachment{
			ContentID:   strings.Trim(id, "<>"),
			ContentType: part.Header.Get("Content-Type"),
			Data:        data,
		})
	}
	if !haveRoot {
		return Envelope{}, nil, errors.New("multipart body without SOAP envelope")
	}
	return env, attachments, nil
}

// Find returns the attachment referenced by ref ("cid:<id>" or "<id>").
func Find(attachments []Attachment, ref string) (Attachment, bool) {
	id := strings.Trim(strings.TrimPrefix(ref, "cid:"), "<>")
	for _, a := range attachments {
		if a.ContentID == id {
			return a, true
		}
	}
	return Attachment{}, false
}

// IsClientFault reports whether the fault blames the caller.
func (f *Fault) IsClientFault() bool {
	if f == nil {
		return false
	}
	code := f.Code
	if i := strings.LastIndex(code, ":"); i >= 0 {
		code = code[i+1:]
	}
	return strings.HasPrefix(code, "Client")
}
