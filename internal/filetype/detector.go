package filetype

import (
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

// Info describes what the content of an upload looks like.
type Info struct {
	MIMEType    string
	Extension   string
	Description string
}

// officeExtensions is the upload allow-list. Values are the MIME types the
// extension maps to when the sniffed type is only a container (zip or OLE).
var officeExtensions = map[string]struct {
	mime        string
	description string
}{
	".doc":  {"application/msword", "Microsoft Word document (legacy)"},
	".docx": {"application/vnd.openxmlformats-officedocument.wordprocessingml.document", "Microsoft Word document"},
	".xls":  {"application/vnd.ms-excel", "Microsoft Excel spreadsheet (legacy)"},
	".xlsx": {"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "Microsoft Excel spreadsheet"},
	".ppt":  {"application/vnd.ms-powerpoint", "Microsoft PowerPoint presentation (legacy)"},
	".pptx": {"application/vnd.openxmlformats-officedocument.presentationml.presentation", "Microsoft PowerPoint presentation"},
	".odt":  {"application/vnd.oasis.opendocument.text", "OpenDocument text"},
	".ods":  {"application/vnd.oasis.opendocument.spreadsheet", "OpenDocument spreadsheet"},
	".odp":  {"application/vnd.oasis.opendocument.presentation", "OpenDocument presentation"},
}

// SupportedExtensions returns the allow-list in a stable order.
func SupportedExtensions() []string {
	return []string{".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx", ".odt", ".ods", ".odp"}
}

// IsSupported reports whether the file name carries an allowed extension.
func IsSupported(name string) bool {
	_, ok := officeExtensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

// Detector sniffs content using magic bytes.
type Detector struct{}

// New creates a new file type detector
func New() *Detector {
	return &Detector{}
}

// DetectBytes sniffs content. Container formats (zip, OLE) are refined with
// the file name's extension, since every OOXML and ODF file is a zip.
func (d *Detector) DetectBytes(content []byte, name string) Info {
	mtype := mimetype.Detect(content)
	info := Info{MIMEType: mtype.String(), Extension: mtype.Extension(), Description: "unrecognised content"}

	ext := strings.ToLower(filepath.Ext(name))
	known, isOffice := officeExtensions[ext]

	switch {
	case mtype.Is("application/zip"), mtype.Is("application/x-ole-storage"):
		if isOffice {
			log.Debug().Str("sniffed", info.MIMEType).Str("ext", ext).Msg("refining container type by extension")
			info.MIMEType = known.mime
			info.Extension = ext
			info.Description = known.description
		}
	case isOffice && mtype.Is(known.mime):
		info.Description = known.description
	case mtype.Is("application/pdf"):
		info.Description = "PDF document"
	case strings.HasPrefix(info.MIMEType, "text/"):
		info.Description = "Plain text file"
	}
	return info
}
