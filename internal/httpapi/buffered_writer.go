// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package httpapi

import "github.com/ragmux/ragmux/internal/query"

// bufferedWriter implements stream.Writer by accumulating the events a
// Pipeline run emits instead of writing them to a wire, so the
// non-streaming POST /chat handler can reuse Pipeline.Run unchanged and
// render its outcome as a single JSON body.
type bufferedWriter struct {
	answer      string
	sources     []query.SourceId
	usedSources []query.SourceId
	documents   []query.DocumentRef
	errMessage  string
	errKind     string
}

func newBufferedWriter() *bufferedWriter {
	return &bufferedWriter{}
}

func (b *bufferedWriter) WriteStart() error { return nil }

func (b *bufferedWriter) WriteSources(sources []query.SourceId) error {
	b.sources = sources
	return nil
}

func (b *bufferedWriter) WriteContext(pack query.ContextPack) error {
	b.documents = pack.Documents
	return nil
}

func (b *bufferedWriter) WriteChunk(text string) error {
	b.answer += text
	return nil
}

func (b *bufferedWriter) WriteDone(sources, usedSources []query.SourceId, documents []query.DocumentRef) error {
	b.sources = sources
	b.usedSources = usedSources
	b.documents = documents
	return nil
}

func (b *bufferedWriter) WriteError(message, kind string) error {
	b.errMessage = message
	b.errKind = kind
	return nil
}
