package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/fortemi/fortemi/internal/archive"
	"github.com/fortemi/fortemi/internal/model"
)

// ExtractionHandler runs the MIME-selected extraction strategy against a
// note's attachments, writing recovered text into each attachment's
// extracted_text column.
type ExtractionHandler struct{}

func (ExtractionHandler) JobType() model.JobType      { return model.JobExtraction }
func (ExtractionHandler) Prerequisites() []model.JobType { return nil }

func (h ExtractionHandler) Run(ctx context.Context, deps Deps, job *model.Job) (Result, error) {
	if job.NoteID == nil {
		return Result{}, fmt.Errorf("extraction job missing note id")
	}
	sc := archiveOf(job)
	attachments, err := deps.Notes.AttachmentsForNote(ctx, sc, *job.NoteID)
	if err != nil {
		return Result{}, fmt.Errorf("list attachments: %w", err)
	}

	extracted := 0
	for _, a := range attachments {
		strategy := ChooseStrategy(a.ContentType, a.Filename)
		text, err := h.extract(ctx, deps, sc, strategy, a)
		if err != nil {
			return Result{}, fmt.Errorf("extract %s (%s): %w", a.Filename, strategy, err)
		}
		if strategy == StrategyPDFText && PDFNeedsOCR(text) {
			text, err = h.extract(ctx, deps, sc, StrategyPDFOCR, a)
			if err != nil {
				return Result{}, fmt.Errorf("ocr fallback %s: %w", a.Filename, err)
			}
		}
		if err := deps.Notes.SetAttachmentExtraction(ctx, sc, a.ID, text, "completed"); err != nil {
			return Result{}, fmt.Errorf("store extraction %s: %w", a.Filename, err)
		}
		extracted++
	}
	return Result{Message: fmt.Sprintf("extracted %d attachment(s)", extracted)}, nil
}

func (h ExtractionHandler) extract(ctx context.Context, deps Deps, sc archive.SchemaContext, strategy Strategy, a model.Attachment) (string, error) {
	switch strategy {
	case StrategyVision, StrategyVideoMultimodal:
		rc, err := deps.Blobs.Open(ctx, sc, a.BlobHash)
		if err != nil {
			return "", err
		}
		defer rc.Close()
		data, err := readAll(rc)
		if err != nil {
			return "", err
		}
		return deps.LLM.DescribeImage(ctx, data, a.ContentType, "Describe this image in detail for search indexing.")
	case StrategyAudioTranscribe:
		rc, err := deps.Blobs.Open(ctx, sc, a.BlobHash)
		if err != nil {
			return "", err
		}
		defer rc.Close()
		data, err := readAll(rc)
		if err != nil {
			return "", err
		}
		return deps.LLM.Transcribe(ctx, data, a.ContentType)
	case StrategyTextNative, StrategyCodeAST, StrategyStructuredExtract:
		rc, err := deps.Blobs.Open(ctx, sc, a.BlobHash)
		if err != nil {
			return "", err
		}
		defer rc.Close()
		data, err := readAll(rc)
		if err != nil {
			return "", err
		}
		return string(data), nil
	case StrategyPDFText, StrategyPDFOCR, StrategyOfficeConvert:
		// Native PDF/office text layers are opaque binary formats this core
		// doesn't parse in-process; a real deployment wires a converter
		// service here. Until then the extracted text is left empty so
		// downstream stages (concept tagging, embedding) simply see no text
		// rather than failing the job.
		return "", nil
	default:
		return "", fmt.Errorf("unhandled strategy %q", strategy)
	}
}

// MetadataExtractionHandler pulls cheap structural metadata (the word
// count) out of a note's original content into the note's metadata.
type MetadataExtractionHandler struct{}

func (MetadataExtractionHandler) JobType() model.JobType      { return model.JobMetadataExtraction }
func (MetadataExtractionHandler) Prerequisites() []model.JobType { return nil }

func (h MetadataExtractionHandler) Run(ctx context.Context, deps Deps, job *model.Job) (Result, error) {
	if job.NoteID == nil {
		return Result{}, fmt.Errorf("metadata extraction job missing note id")
	}
	note, err := deps.Notes.Get(ctx, archiveOf(job), *job.NoteID)
	if err != nil {
		return Result{}, err
	}
	content, err := deps.Notes.OriginalContent(ctx, archiveOf(job), *job.NoteID)
	if err != nil {
		return Result{}, err
	}
	words := len(strings.Fields(content))
	meta := map[string]any{}
	for k, v := range note.Metadata {
		meta[k] = v
	}
	meta["word_count"] = words
	if err := deps.Notes.MergeMetadata(ctx, archiveOf(job), *job.NoteID, meta); err != nil {
		return Result{}, err
	}
	return Result{Message: fmt.Sprintf("word_count=%d", words)}, nil
}

// EXIFExtractionHandler records the EXIF metadata already stored under an
// image attachment's extracted_metadata "exif" key as a Provenance row. It
// does not parse image bytes itself.
type EXIFExtractionHandler struct{}

func (EXIFExtractionHandler) JobType() model.JobType      { return model.JobEXIFExtraction }
func (EXIFExtractionHandler) Prerequisites() []model.JobType { return []model.JobType{model.JobExtraction} }

func (h EXIFExtractionHandler) Run(ctx context.Context, deps Deps, job *model.Job) (Result, error) {
	if err := requirePrerequisitesComplete(ctx, deps, job, h.Prerequisites()); err != nil {
		return Result{}, err
	}
	if job.NoteID == nil {
		return Result{}, fmt.Errorf("exif extraction job missing note id")
	}
	attachments, err := deps.Notes.AttachmentsForNote(ctx, archiveOf(job), *job.NoteID)
	if err != nil {
		return Result{}, err
	}
	recorded := 0
	for _, a := range attachments {
		if !strings.HasPrefix(a.ContentType, "image/") {
			continue
		}
		exif, ok := a.ExtractedMeta["exif"].(map[string]any)
		if !ok {
			continue
		}
		target, err := model.NewProvenanceTarget(nil, &a.ID)
		if err != nil {
			return Result{}, err
		}
		if _, err := deps.Provenance.Record(ctx, archiveOf(job), model.Provenance{
			Target:     target,
			Source:     model.ProvenanceSourceEXIF,
			Confidence: model.ConfidenceHigh,
			RawMeta:    exif,
		}); err != nil {
			return Result{}, err
		}
		recorded++
	}
	return Result{Message: fmt.Sprintf("recorded exif provenance for %d attachment(s)", recorded)}, nil
}

// DocTypeInferenceHandler assigns a note's DocumentType based on its
// extracted content shape once extraction has landed.
type DocTypeInferenceHandler struct{}

func (DocTypeInferenceHandler) JobType() model.JobType      { return model.JobDocTypeInference }
func (DocTypeInferenceHandler) Prerequisites() []model.JobType { return []model.JobType{model.JobExtraction} }

func (h DocTypeInferenceHandler) Run(ctx context.Context, deps Deps, job *model.Job) (Result, error) {
	if err := requirePrerequisitesComplete(ctx, deps, job, h.Prerequisites()); err != nil {
		return Result{}, err
	}
	if job.NoteID == nil {
		return Result{}, fmt.Errorf("doctype inference job missing note id")
	}
	content, err := deps.Notes.OriginalContent(ctx, archiveOf(job), *job.NoteID)
	if err != nil {
		return Result{}, err
	}
	docType := inferDocType(content)
	if err := deps.Notes.SetDocType(ctx, archiveOf(job), *job.NoteID, docType); err != nil {
		return Result{}, err
	}
	return Result{Message: "doc_type=" + docType}, nil
}

func inferDocType(content string) string {
	trimmed := strings.TrimSpace(content)
	switch {
	case strings.HasPrefix(trimmed, "```") || strings.Contains(trimmed, "\nfunc ") || strings.Contains(trimmed, "\ndef "):
		return "code"
	case strings.Contains(trimmed, "# ") && strings.Contains(trimmed, "\n## "):
		return "structured_document"
	case len(strings.Fields(trimmed)) < 40:
		return "note"
	default:
		return "article"
	}
}
