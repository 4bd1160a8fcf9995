package filetype

import (
	"archive/zip"
	"bytes"
	"testing"
)

func TestIsSupported(t *testing.T) {
	cases := map[string]bool{
		"report.docx":  true,
		"REPORT.DOCX":  true,
		"sheet.ods":    true,
		"deck.PPT":     true,
		"notes.txt":    false,
		"archive.zip":  false,
		"noextension":  false,
		"report.docx/": false,
	}
	for name, want := range cases {
		if got := IsSupported(name); got != want {
			t.Errorf("IsSupported(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestSupportedExtensionsMatchAllowList(t *testing.T) {
	exts := SupportedExtensions()
	if len(exts) != len(officeExtensions) {
		t.Fatalf("got %d extensions, allow-list has %d", len(exts), len(officeExtensions))
	}
	for _, ext := range exts {
		if _, ok := officeExtensions[ext]; !ok {
			t.Errorf("%s missing from allow-list", ext)
		}
	}
}

func TestDetectBytesRefinesZipByExtension(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("readme.txt")
	if err != nil {
		t.Fatalf("zip create: %v", err)
	}
	_, _ = w.Write([]byte("hello"))
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}

	info := New().DetectBytes(buf.Bytes(), "quarterly.xlsx")
	if info.MIMEType != "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet" {
		t.Fatalf("unexpected mime %q", info.MIMEType)
	}
	if info.Extension != ".xlsx" {
		t.Fatalf("unexpected extension %q", info.Extension)
	}
}

func TestDetectBytesPDF(t *testing.T) {
	info := New().DetectBytes([]byte("%PDF-1.4\n%%EOF\n"), "out.pdf")
	if info.MIMEType != "application/pdf" {
		t.Fatalf("unexpected mime %q", info.MIMEType)
	}
}
