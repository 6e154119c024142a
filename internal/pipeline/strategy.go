package pipeline

import "strings"

// Strategy names the extraction path a piece of content takes through the
// pipeline, keyed off MIME type and, when that's ambiguous, file
// extension.
type Strategy string

const (
	StrategyTextNative       Strategy = "text_native"
	StrategyPDFText          Strategy = "pdf_text"
	StrategyPDFOCR           Strategy = "pdf_ocr"
	StrategyOfficeConvert    Strategy = "office_convert"
	StrategyVision           Strategy = "vision"
	StrategyAudioTranscribe  Strategy = "audio_transcribe"
	StrategyVideoMultimodal  Strategy = "video_multimodal"
	StrategyCodeAST          Strategy = "code_ast"
	StrategyStructuredExtract Strategy = "structured_extract"
)

// officeExtensions maps filename extensions to office_convert when the
// MIME type alone (application/octet-stream, a common upload default)
// isn't specific enough to tell office documents apart from other
// binaries.
var officeExtensions = map[string]bool{
	".docx": true, ".doc": true, ".pptx": true, ".ppt": true, ".xlsx": true, ".xls": true, ".odt": true, ".rtf": true,
}

var codeExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".rs": true, ".java": true, ".c": true, ".cpp": true, ".rb": true,
}

// ChooseStrategy is a pure function of MIME type (and, for ambiguous MIME
// types, file extension) that decides which extraction path a job's
// attachment or note body should take. It never touches the network or
// the database, so pipeline wiring and tests can call it directly.
func ChooseStrategy(mimeType, filename string) Strategy {
	ext := strings.ToLower(extOf(filename))
	mt := strings.ToLower(mimeType)

	switch {
	case strings.HasPrefix(mt, "text/") && !strings.HasPrefix(mt, "text/html"):
		if codeExtensions[ext] {
			return StrategyCodeAST
		}
		return StrategyTextNative
	case mt == "application/json", mt == "application/xml", mt == "text/csv", ext == ".json", ext == ".csv", ext == ".xml":
		return StrategyStructuredExtract
	case mt == "application/pdf", ext == ".pdf":
		return StrategyPDFText // strategy.go decides text vs OCR only by MIME; the extraction handler
		// falls back from pdf_text to pdf_ocr at runtime when PDFNeedsOCR finds little or no text (scanned PDF).
	case strings.HasPrefix(mt, "image/"):
		return StrategyVision
	case strings.HasPrefix(mt, "audio/"):
		return StrategyAudioTranscribe
	case strings.HasPrefix(mt, "video/"):
		return StrategyVideoMultimodal
	case officeExtensions[ext]:
		return StrategyOfficeConvert
	case codeExtensions[ext]:
		return StrategyCodeAST
	default:
		return StrategyTextNative
	}
}

// PDFNeedsOCR is consulted by the extraction handler after a pdf_text pass
// returns little or no text, the signal that the PDF is a scan rather
// than a text layer.
func PDFNeedsOCR(extractedText string) bool {
	return len(strings.TrimSpace(extractedText)) < 20
}

func extOf(filename string) string {
	i := strings.LastIndex(filename, ".")
	if i < 0 {
		return ""
	}
	return filename[i:]
}
