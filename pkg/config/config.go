// Copyright 2025 The Dossier Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the service configuration. A YAML file is optional;
// every knob also has an environment variable, and env values win over file
// values so deployments can be tuned without editing the file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server,omitempty"`
	Logging   LoggingConfig   `yaml:"logging,omitempty"`
	Lexical   LexicalConfig   `yaml:"lexical,omitempty"`
	Vector    VectorConfig    `yaml:"vector,omitempty"`
	Embedder  EmbedderConfig  `yaml:"embedder,omitempty"`
	LLM       LLMConfig       `yaml:"llm,omitempty"`
	Retrieval RetrievalConfig `yaml:"retrieval,omitempty"`
	Chunking  ChunkingConfig  `yaml:"chunking,omitempty"`
	Indexer   IndexerConfig   `yaml:"indexer,omitempty"`
	State     StateConfig     `yaml:"state,omitempty"`
	Tenants   TenantsConfig   `yaml:"tenants,omitempty"`

	// FileBase is the absolute document root used when building file URLs
	// for the /open endpoint.
	FileBase string `yaml:"file_base,omitempty"`

	// NotFoundMessage is the fixed ungrounded-answer refusal.
	NotFoundMessage string `yaml:"not_found_message,omitempty"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`
}

// Address returns host:port.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggingConfig configures slog.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"` // simple | verbose
}

// LexicalConfig routes calls to the full-text backend.
type LexicalConfig struct {
	// URL of the Elasticsearch-compatible service.
	URL string `yaml:"url,omitempty"`
	// Index is the default index name; tenants override it.
	Index string `yaml:"index,omitempty"`
	// TimeoutSeconds bounds each search/bulk call.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

// VectorConfig routes calls to the vector backend.
type VectorConfig struct {
	// Provider selects the backend: "chromem" (embedded, default) or "qdrant".
	Provider string `yaml:"provider,omitempty"`
	// Path is the on-disk directory for the embedded store.
	Path string `yaml:"path,omitempty"`
	// QdrantHost / QdrantPort for the qdrant provider.
	QdrantHost string `yaml:"qdrant_host,omitempty"`
	QdrantPort int    `yaml:"qdrant_port,omitempty"`
	// TimeoutSeconds bounds each query.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

// EmbedderConfig selects the embedding model endpoint.
type EmbedderConfig struct {
	Host           string `yaml:"host,omitempty"`
	APIKey         string `yaml:"api_key,omitempty"`
	Model          string `yaml:"model,omitempty"`
	Dimension      int    `yaml:"dimension,omitempty"`
	BatchSize      int    `yaml:"batch_size,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
}

// LLMConfig selects the language-model endpoints per pipeline phase.
type LLMConfig struct {
	Host   string `yaml:"host,omitempty"`
	APIKey string `yaml:"api_key,omitempty"`

	StrategyModel string `yaml:"strategy_model,omitempty"`
	AnswerModel   string `yaml:"answer_model,omitempty"`
	AnalysisModel string `yaml:"analysis_model,omitempty"`

	MaxTokens   int     `yaml:"max_tokens,omitempty"`
	Temperature float64 `yaml:"temperature,omitempty"`

	// BaseTimeoutSeconds is the floor of the per-call timeout; the effective
	// timeout grows with the estimated prompt token count.
	BaseTimeoutSeconds    int `yaml:"base_timeout_seconds,omitempty"`
	SecondsPerThousandTok int `yaml:"seconds_per_thousand_tokens,omitempty"`
}

// RetrievalConfig carries retrieval, assembly and re-ranking weights.
// All of it may be overridden per request through rag_config.
type RetrievalConfig struct {
	TopK           int `yaml:"top_k,omitempty"`
	MaxContextDocs int `yaml:"max_context_docs,omitempty"`
	MaxSources     int `yaml:"max_sources,omitempty"`
	// MaxCharsPerSource clips each cited document's evidence.
	MaxCharsPerSource int `yaml:"max_chars_per_source,omitempty"`

	// Keyword re-rank deltas.
	KeywordBoostPath    float64 `yaml:"keyword_boost_path,omitempty"`
	KeywordBoostSnippet float64 `yaml:"keyword_boost_snippet,omitempty"`
	CompoundBonus       float64 `yaml:"compound_bonus,omitempty"`

	// Extension deltas.
	ExcelPenaltyRelevant   float64 `yaml:"excel_penalty_relevant,omitempty"`
	ExcelPenaltyIrrelevant float64 `yaml:"excel_penalty_irrelevant,omitempty"`
	PDFMsgBonus            float64 `yaml:"pdf_msg_bonus,omitempty"`

	// Keywords drives the keyword deltas; ExcelRelevantKeywords marks
	// spreadsheets whose filename suggests relevance.
	Keywords              []string `yaml:"keywords,omitempty"`
	ExcelRelevantKeywords []string `yaml:"excel_relevant_keywords,omitempty"`

	// MaxIterations bounds the validation→retrieval loop.
	MaxIterations int `yaml:"max_iterations,omitempty"`
}

// ChunkingConfig parameterizes the chunker.
type ChunkingConfig struct {
	Size         int `yaml:"size,omitempty"`
	Overlap      int `yaml:"overlap,omitempty"`
	MinTextChars int `yaml:"min_text_chars,omitempty"`
}

// IndexerConfig parameterizes the indexing worker pool.
type IndexerConfig struct {
	Workers      int    `yaml:"workers,omitempty"`
	BulkChunks   int    `yaml:"bulk_chunks,omitempty"`
	BulkFiles    int    `yaml:"bulk_files,omitempty"`
	ManifestPath string `yaml:"manifest_path,omitempty"`
	MaxZipDepth  int    `yaml:"max_zip_depth,omitempty"`
}

// StateConfig locates per-conversation state.
type StateConfig struct {
	Path string `yaml:"path,omitempty"`
}

// TenantsConfig locates the tenant table.
type TenantsConfig struct {
	File   string `yaml:"file,omitempty"`
	Active string `yaml:"active,omitempty"`
}

// Load reads an optional YAML file, expands env references inside it, then
// applies environment overrides and defaults. A missing file is not an
// error; a malformed one is fatal.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else {
			var raw map[string]interface{}
			if err := yaml.Unmarshal(data, &raw); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
			expanded := ExpandEnvVarsInData(raw)
			normalized, err := yaml.Marshal(expanded)
			if err != nil {
				return nil, fmt.Errorf("failed to re-encode config: %w", err)
			}
			if err := yaml.Unmarshal(normalized, cfg); err != nil {
				return nil, fmt.Errorf("failed to decode config: %w", err)
			}
		}
	}

	cfg.applyEnv()
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the recognized environment variables.
func (c *Config) applyEnv() {
	c.Server.Host = envString("HOST", c.Server.Host)
	c.Server.Port = envInt("PORT", c.Server.Port)

	c.Logging.Level = envString("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = envString("LOG_FORMAT", c.Logging.Format)

	c.Lexical.URL = envString("ES_URL", c.Lexical.URL)
	c.Lexical.Index = envString("ES_INDEX", c.Lexical.Index)

	c.Vector.Provider = envString("VECTOR_PROVIDER", c.Vector.Provider)
	c.Vector.Path = envString("CHROMA_PATH", c.Vector.Path)
	c.Vector.QdrantHost = envString("QDRANT_HOST", c.Vector.QdrantHost)
	c.Vector.QdrantPort = envInt("QDRANT_PORT", c.Vector.QdrantPort)

	c.Embedder.Host = envString("EMBED_BASE_URL", c.Embedder.Host)
	c.Embedder.APIKey = envString("EMBED_API_KEY", c.Embedder.APIKey)
	c.Embedder.Model = envString("EMBED_MODEL", c.Embedder.Model)

	c.LLM.Host = envString("LLM_BASE_URL", c.LLM.Host)
	c.LLM.APIKey = envString("LLM_API_KEY", c.LLM.APIKey)
	c.LLM.StrategyModel = envString("LLM_MODEL_STRATEGY", c.LLM.StrategyModel)
	c.LLM.AnswerModel = envString("LLM_MODEL_ANSWER", c.LLM.AnswerModel)
	c.LLM.AnalysisModel = envString("LLM_MODEL_ANALYSIS", c.LLM.AnalysisModel)

	c.Retrieval.TopK = envInt("RAG_SEARCH_TOP_K", c.Retrieval.TopK)
	c.Retrieval.MaxContextDocs = envInt("RAG_MAX_CONTEXT_DOCS", c.Retrieval.MaxContextDocs)
	c.Retrieval.MaxSources = envInt("RAG_MAX_SOURCES", c.Retrieval.MaxSources)
	c.Retrieval.KeywordBoostPath = envFloat("RAG_KEYWORD_BOOST_PATH", c.Retrieval.KeywordBoostPath)
	c.Retrieval.KeywordBoostSnippet = envFloat("RAG_KEYWORD_BOOST_SNIPPET", c.Retrieval.KeywordBoostSnippet)
	c.Retrieval.CompoundBonus = envFloat("RAG_KEYWORD_BOOST_COMPOUND_BONUS", c.Retrieval.CompoundBonus)
	c.Retrieval.ExcelPenaltyRelevant = envFloat("RAG_EXCEL_PENALTY_RELEVANT", c.Retrieval.ExcelPenaltyRelevant)
	c.Retrieval.ExcelPenaltyIrrelevant = envFloat("RAG_EXCEL_PENALTY_IRRELEVANT", c.Retrieval.ExcelPenaltyIrrelevant)
	c.Retrieval.PDFMsgBonus = envFloat("RAG_PDF_MSG_BONUS", c.Retrieval.PDFMsgBonus)
	c.Retrieval.Keywords = envList("RAG_KEYWORDS", c.Retrieval.Keywords)
	c.Retrieval.ExcelRelevantKeywords = envList("RAG_EXCEL_RELEVANT_KEYWORDS", c.Retrieval.ExcelRelevantKeywords)

	c.Chunking.Size = envInt("CHUNK_SIZE", c.Chunking.Size)
	c.Chunking.Overlap = envInt("CHUNK_OVERLAP", c.Chunking.Overlap)
	c.Chunking.MinTextChars = envInt("MIN_TEXT_CHARS", c.Chunking.MinTextChars)

	c.Indexer.Workers = envInt("INDEX_WORKERS", c.Indexer.Workers)
	c.Indexer.ManifestPath = envString("MANIFEST_PATH", c.Indexer.ManifestPath)

	c.State.Path = envString("STATE_PATH", c.State.Path)

	c.Tenants.File = envString("TENANTS_FILE", c.Tenants.File)
	c.Tenants.Active = envString("TENANT", c.Tenants.Active)

	c.FileBase = envString("FILE_BASE", c.FileBase)
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}
	if c.Lexical.URL == "" {
		c.Lexical.URL = "http://localhost:9200"
	}
	if c.Lexical.TimeoutSeconds <= 0 {
		c.Lexical.TimeoutSeconds = 10
	}
	if c.Vector.Provider == "" {
		c.Vector.Provider = "chromem"
	}
	if c.Vector.Path == "" {
		c.Vector.Path = ".dossier/vectors"
	}
	if c.Vector.QdrantPort == 0 {
		c.Vector.QdrantPort = 6334
	}
	if c.Vector.TimeoutSeconds <= 0 {
		c.Vector.TimeoutSeconds = 10
	}
	if c.Embedder.Host == "" {
		c.Embedder.Host = "http://localhost:11434/v1"
	}
	if c.Embedder.Model == "" {
		c.Embedder.Model = "nomic-embed-text"
	}
	if c.Embedder.BatchSize <= 0 {
		c.Embedder.BatchSize = 64
	}
	if c.Embedder.TimeoutSeconds <= 0 {
		c.Embedder.TimeoutSeconds = 30
	}
	if c.LLM.Host == "" {
		c.LLM.Host = "http://localhost:11434/v1"
	}
	if c.LLM.AnswerModel == "" {
		c.LLM.AnswerModel = "qwen2.5:14b"
	}
	if c.LLM.StrategyModel == "" {
		c.LLM.StrategyModel = c.LLM.AnswerModel
	}
	if c.LLM.AnalysisModel == "" {
		c.LLM.AnalysisModel = c.LLM.AnswerModel
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = 2048
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.2
	}
	if c.LLM.BaseTimeoutSeconds <= 0 {
		c.LLM.BaseTimeoutSeconds = 60
	}
	if c.LLM.SecondsPerThousandTok <= 0 {
		c.LLM.SecondsPerThousandTok = 10
	}
	c.Retrieval.SetDefaults()
	if c.Chunking.Size <= 0 {
		c.Chunking.Size = 1200
	}
	if c.Chunking.Overlap <= 0 {
		c.Chunking.Overlap = 180
	}
	if c.Chunking.MinTextChars <= 0 {
		c.Chunking.MinTextChars = 20
	}
	if c.Indexer.Workers <= 0 {
		c.Indexer.Workers = 6
	}
	if c.Indexer.BulkChunks <= 0 {
		c.Indexer.BulkChunks = 256
	}
	if c.Indexer.BulkFiles <= 0 {
		c.Indexer.BulkFiles = 100
	}
	if c.Indexer.ManifestPath == "" {
		c.Indexer.ManifestPath = ".dossier/manifest.db"
	}
	if c.Indexer.MaxZipDepth <= 0 {
		c.Indexer.MaxZipDepth = 2
	}
	if c.State.Path == "" {
		c.State.Path = ".dossier/state"
	}
	if c.Tenants.File == "" {
		c.Tenants.File = "tenants.yaml"
	}
	if c.NotFoundMessage == "" {
		c.NotFoundMessage = "Nicht in den Dokumenten gefunden."
	}
}

// SetDefaults applies default retrieval weights.
func (c *RetrievalConfig) SetDefaults() {
	if c.TopK <= 0 {
		c.TopK = 10
	}
	if c.MaxContextDocs <= 0 {
		c.MaxContextDocs = 20
	}
	if c.MaxSources <= 0 {
		c.MaxSources = 6
	}
	if c.MaxCharsPerSource <= 0 {
		c.MaxCharsPerSource = 1600
	}
	if c.KeywordBoostPath == 0 {
		c.KeywordBoostPath = 2.0
	}
	if c.KeywordBoostSnippet == 0 {
		c.KeywordBoostSnippet = 1.0
	}
	if c.CompoundBonus == 0 {
		c.CompoundBonus = 1.5
	}
	if c.ExcelPenaltyRelevant == 0 {
		c.ExcelPenaltyRelevant = -0.5
	}
	if c.ExcelPenaltyIrrelevant == 0 {
		c.ExcelPenaltyIrrelevant = -2.0
	}
	if c.PDFMsgBonus == 0 {
		c.PDFMsgBonus = 1.0
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 2
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Chunking.Overlap >= c.Chunking.Size {
		return fmt.Errorf("chunk overlap (%d) must be less than size (%d)", c.Chunking.Overlap, c.Chunking.Size)
	}
	switch c.Vector.Provider {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("invalid vector provider: %q", c.Vector.Provider)
	}
	return nil
}

// Overrides is the per-request rag_config payload accepted by the chat
// endpoint. Nil fields keep the configured value.
type Overrides struct {
	TopK                *int     `json:"top_k,omitempty"`
	MaxSources          *int     `json:"max_sources,omitempty"`
	MaxCharsPerSource   *int     `json:"max_chars_per_source,omitempty"`
	KeywordBoostPath    *float64 `json:"keyword_boost_path,omitempty"`
	KeywordBoostSnippet *float64 `json:"keyword_boost_snippet,omitempty"`
	CompoundBonus       *float64 `json:"compound_bonus,omitempty"`
	PDFMsgBonus         *float64 `json:"pdf_msg_bonus,omitempty"`
	Keywords            []string `json:"keywords,omitempty"`
}

// Apply returns a copy of the retrieval config with the overrides folded in.
func (c RetrievalConfig) Apply(o *Overrides) RetrievalConfig {
	if o == nil {
		return c
	}
	if o.TopK != nil {
		c.TopK = *o.TopK
	}
	if o.MaxSources != nil {
		c.MaxSources = *o.MaxSources
	}
	if o.MaxCharsPerSource != nil {
		c.MaxCharsPerSource = *o.MaxCharsPerSource
	}
	if o.KeywordBoostPath != nil {
		c.KeywordBoostPath = *o.KeywordBoostPath
	}
	if o.KeywordBoostSnippet != nil {
		c.KeywordBoostSnippet = *o.KeywordBoostSnippet
	}
	if o.CompoundBonus != nil {
		c.CompoundBonus = *o.CompoundBonus
	}
	if o.PDFMsgBonus != nil {
		c.PDFMsgBonus = *o.PDFMsgBonus
	}
	if len(o.Keywords) > 0 {
		c.Keywords = o.Keywords
	}
	return c
}
