package wire

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMultipartCarriesEnvelopeAndAttachment(t *testing.T) {
	env := Envelope{
		Header: &Header{MeF: &MeFHeader{MessageID: "m1", Action: ServiceSendSubmissions, ETIN: "54322", TestIndicator: TestIndicatorATS}},
		Body: Body{SendSubmissionsRequest: &SendSubmissionsRequest{
			Count:       1,
			Submissions: []SubmissionData{{SubmissionID: "s1", ReturnType: "1040", TaxYear: 2025, AttachmentRef: "cid:s1"}},
		}},
	}
	doc := []byte(`<?xml version="1.0"?><Return/>`)

	payload, contentType, err := EncodeMultipart(env, Attachment{ContentID: "s1", ContentType: "application/xml", Data: doc})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.HasPrefix(contentType, "multipart/related") {
		t.Fatalf("unexpected content type %q", contentType)
	}

	got, attachments, err := DecodeMultipart(contentType, bytes.NewReader(payload), 1<<20)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(env.Body.SendSubmissionsRequest, got.Body.SendSubmissionsRequest); diff != "" {
		t.Fatalf("request mismatch (-want +got):\n%s", diff)
	}
	if got.Header == nil || got.Header.MeF == nil || got.Header.MeF.ETIN != "54322" {
		t.Fatalf("header lost: %+v", got.Header)
	}

	part, ok := Find(attachments, "cid:s1")
	if !ok {
		t.Fatalf("attachment not found: %+v", attachments)
	}
	if !bytes.Equal(part.Data, doc) {
		t.Fatalf("attachment body changed: %q", part.Data)
	}
}

func TestDecodePlainXML(t *testing.T) {
	data, err := Marshal(Envelope{Body: Body{Fault: &Fault{Code: "soap:Server", String: "busy"}}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	env, attachments, err := DecodeMultipart("text/xml; charset=utf-8", bytes.NewReader(data), 1<<20)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(attachments) != 0 || env.Body.Fault == nil || env.Body.Fault.String != "busy" {
		t.Fatalf("unexpected decode: %+v", env.Body)
	}
	if env.Body.Fault.IsClientFault() {
		t.Fatalf("server fault reported as client fault")
	}
}

func TestIsClientFault(t *testing.T) {
	for code, want := range map[string]bool{
		"soap:Client":           true,
		"Client.Authentication": true,
		"env:Server":            false,
		"":                      false,
	} {
		if got := (&Fault{Code: code}).IsClientFault(); got != want {
			t.Errorf("IsClientFault(%q) = %v, want %v", code, got, want)
		}
	}
}

func TestDecodeRejectsMissingEnvelope(t *testing.T) {
	_, _, err := DecodeMultipart("multipart/related; boundary=xyz", strings.NewReader("--xyz--\r\n"), 1<<20)
	if err == nil {
		t.Fatalf("expected error for multipart body without envelope")
	}
}
