package indices

// Document types installed into every managed index.
const (
	TypeMessage    = "message"
	TypeIndexRange = "index_range"
)

// TimestampFormat is the date format of the timestamp field.
const TimestampFormat = "yyyy-MM-dd HH:mm:ss.SSS"

// KeywordAnalyzer is the name of the lowercase keyword analyzer defined on
// every index.
const KeywordAnalyzer = "analyzer_keyword"

func indexSettings(shards, replicas int) map[string]interface{} {
	return map[string]interface{}{
		"number_of_shards":   shards,
		"number_of_replicas": replicas,
		"index.analysis.analyzer." + KeywordAnalyzer: map[string]string{
			"tokenizer": "keyword",
			"filter":    "lowercase",
		},
	}
}

// MessageMapping returns the mapping of the message document type. Full text
// fields use the configured analyzer, internal gl2_ fields and unknown
// fields are stored unanalyzed.
func MessageMapping(analyzer string) map[string]interface{} {
	analyzed := func() map[string]interface{} {
		return map[string]interface{}{"type": "string", "analyzer": analyzer}
	}
	return map[string]interface{}{
		"properties": map[string]interface{}{
			"message":      analyzed(),
			"full_message": analyzed(),
			"source": map[string]interface{}{
				"type":     "string",
				"analyzer": KeywordAnalyzer,
			},
			"streams": map[string]interface{}{
				"type":  "string",
				"index": "not_analyzed",
			},
			"timestamp": map[string]interface{}{
				"type":   "date",
				"format": TimestampFormat,
			},
		},
		"dynamic_templates": []interface{}{
			map[string]interface{}{
				"internal_fields": map[string]interface{}{
					"match":   "gl2_*",
					"mapping": map[string]interface{}{"type": "string", "index": "not_analyzed"},
				},
			},
			map[string]interface{}{
				"store_generic": map[string]interface{}{
					"match":   "*",
					"mapping": map[string]interface{}{"index": "not_analyzed"},
				},
			},
		},
		"_source": map[string]interface{}{"enabled": true},
	}
}

// MetaMapping returns the mapping of the index_range document type.
func MetaMapping() map[string]interface{} {
	date := func() map[string]interface{} {
		return map[string]interface{}{"type": "date", "format": TimestampFormat}
	}
	return map[string]interface{}{
		"dynamic": "strict",
		"properties": map[string]interface{}{
			"index":         map[string]interface{}{"type": "string", "index": "not_analyzed"},
			"start":         date(),
			"calculated_at": date(),
			"took_ms":       map[string]interface{}{"type": "integer"},
		},
	}
}
