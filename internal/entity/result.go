package entity

import "time"

// FileMetadata describes the input file.
type FileMetadata struct {
	Filename      string     `json:"filename"`
	FileSize      int64      `json:"file_size"`
	FileType      string     `json:"file_type"`
	FileExtension string     `json:"file_extension"`
	ModifiedDate  *time.Time `json:"modified_date,omitempty"`
	PageCount     *int       `json:"page_count,omitempty"`
	Title         string     `json:"title,omitempty"`
	Author        string     `json:"author,omitempty"`
	Subject       string     `json:"subject,omitempty"`
}

// ExtractedText is the textual content of the file.
type ExtractedText struct {
	Content        string `json:"content"`
	Language       string `json:"language,omitempty"`
	WordCount      int    `json:"word_count"`
	CharacterCount int    `json:"character_count"`
}

// Table is one tabular block (a CSV file, a sheet, ...).
type Table struct {
	Name string     `json:"name,omitempty"`
	Rows [][]string `json:"rows"`
}

// Heading is a document heading with its level (1 = top).
type Heading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
}

// StructuredData holds structure recovered from the file.
type StructuredData struct {
	Tables   []Table   `json:"tables,omitempty"`
	Headings []Heading `json:"headings,omitempty"`
	Links    []string  `json:"links,omitempty"`
	Sheets   []string  `json:"sheets,omitempty"`
}

// ExtractionResult is the Extraction Unit's output stored on completed jobs.
type ExtractionResult struct {
	Success        bool            `json:"success"`
	FileMetadata   *FileMetadata   `json:"file_metadata,omitempty"`
	ExtractedText  *ExtractedText  `json:"extracted_text,omitempty"`
	StructuredData *StructuredData `json:"structured_data,omitempty"`
	ExtractionTime float64         `json:"extraction_time"`
	Warnings       []string        `json:"warnings"`
	Errors         []string        `json:"errors"`
}
