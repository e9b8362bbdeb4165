package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"jobmatch-backend/internal/extract"
	"jobmatch-backend/internal/services"
)

const maxImageBytes = 8 << 20

// loadImage sets vars[VarImage] to something the model can dereference:
// remote URLs pass through, stored objects are inlined as data URLs.
func (b *base) loadImage(ctx context.Context, tc *TaskContext, vars map[string]any) error {
	if hasVar(vars, VarImage) {
		return nil
	}
	key := stringVar(vars, VarJobImageKey)
	if key == "" {
		key = tc.Service.JobImageKey
	}
	if key == "" {
		return errors.Join(ErrDependencyMissing, errors.New("job image not provided"))
	}
	if strings.HasPrefix(key, "https://") || strings.HasPrefix(key, "http://") || strings.HasPrefix(key, "data:") {
		vars[VarImage] = key
		return nil
	}
	if b.deps.Store == nil {
		return fmt.Errorf("%w: no object store configured", ErrStorage)
	}
	rc, err := b.deps.Store.Open(ctx, key)
	if err != nil {
		return errors.Join(ErrStorage, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxImageBytes+1))
	if err != nil {
		return errors.Join(ErrStorage, err)
	}
	if len(data) > maxImageBytes {
		return fmt.Errorf("%w: image exceeds %d bytes", ErrUnsupportedImage, maxImageBytes)
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return fmt.Errorf("%w: %s", ErrUnsupportedImage, mt.String())
	}
	vars[VarImage] = "data:" + mt.String() + ";base64," + base64.StdEncoding.EncodeToString(data)
	return nil
}

// loadJobText sets vars[VarJobText] from the user's text or the OCR output.
func (b *base) loadJobText(ctx context.Context, tc *TaskContext, vars map[string]any, required bool) error {
	if hasVar(vars, VarJobText) {
		return nil
	}
	if tc.Service.JobText != "" {
		vars[VarJobText] = tc.Service.JobText
		return nil
	}
	body, err := b.artifact(ctx, tc, services.ArtifactOCRText)
	if err != nil {
		return err
	}
	if body != nil {
		var ocr struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(body, &ocr); err == nil && strings.TrimSpace(ocr.Text) != "" {
			vars[VarJobText] = ocr.Text
			return nil
		}
	}
	if required {
		return errors.Join(ErrDependencyMissing, errors.New("job text not found"))
	}
	return nil
}

// loadResumeText sets vars[VarResumeText], extracting the uploaded document
// once and caching the text as an artifact.
func (b *base) loadResumeText(ctx context.Context, tc *TaskContext, vars map[string]any) error {
	if hasVar(vars, VarResumeText) {
		return nil
	}
	if tc.Service.ResumeText != "" {
		vars[VarResumeText] = tc.Service.ResumeText
		return nil
	}
	cached, err := b.artifact(ctx, tc, services.ArtifactResumeText)
	if err != nil {
		return err
	}
	if cached != nil {
		var text string
		if err := json.Unmarshal(cached, &text); err == nil && text != "" {
			vars[VarResumeText] = text
			return nil
		}
	}
	if tc.Service.ResumeKey == "" {
		return errors.Join(ErrDependencyMissing, errors.New("resume not provided"))
	}
	if b.deps.Store == nil {
		return fmt.Errorf("%w: no object store configured", ErrStorage)
	}
	text, err := extract.ExtractText(ctx, b.deps.Store, tc.Service.ResumeKey)
	if err != nil {
		return errors.Join(ErrStorage, err)
	}
	if body, err := json.Marshal(text); err == nil {
		nonFatal("artifact.resume_text", tc, b.deps.Repo.SetArtifact(ctx, tc.Service.ID, services.ArtifactResumeText, body))
	}
	vars[VarResumeText] = text
	return nil
}

// loadResumeSummary prefers the structured summary and falls back to the raw
// resume text so match never waits on the leaf summary task.
func (b *base) loadResumeSummary(ctx context.Context, tc *TaskContext, vars map[string]any) error {
	if err := b.optionalArtifact(ctx, tc, vars, VarResumeSummary, services.ArtifactResumeSummary); err != nil {
		return err
	}
	if hasVar(vars, VarResumeSummary) {
		return nil
	}
	if err := b.loadResumeText(ctx, tc, vars); err != nil {
		return err
	}
	vars[VarResumeSummary] = stringVar(vars, VarResumeText)
	return nil
}
