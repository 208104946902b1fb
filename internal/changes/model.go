package changes

// Category identifies which section of an analysis report a change came from.
type Category string

// Change categories.
const (
	CategoryModel     Category = "MODEL"
	CategoryField     Category = "FIELD"
	CategoryXMLRecord Category = "XML_RECORD"
)

// Change type values. MODEL uses Obsolete/New, FIELD uses New/Del/Modified,
// XML_RECORD uses New/Del/Renamed.
const (
	TypeObsolete = "OBSOLETE"
	TypeNew      = "NEW"
	TypeDel      = "DEL"
	TypeModified = "MODIFIED"
	TypeRenamed  = "RENAMED"
)

// Detail keys stored in ChangeRecord.Details.
const (
	DetailRenameInfo = "rename_info"
	DetailTag        = "tag"
	DetailFieldType  = "field_type"
)

// ChangeRecord is one change detected between two consecutive versions.
type ChangeRecord struct {
	ID          int64          `json:"id,omitempty"`
	Version     string         `json:"version"`         // e.g. "17.0.1.0"
	Module      string         `json:"module"`          // owning module
	Category    Category       `json:"change_category"` // MODEL, FIELD or XML_RECORD
	ChangeType  string         `json:"change_type"`     // category dependent
	ModelName   *string        `json:"model_name"`      // MODEL and FIELD
	FieldName   *string        `json:"field_name"`      // FIELD
	RecordModel *string        `json:"record_model"`    // XML_RECORD
	XMLID       *string        `json:"xml_id"`          // XML_RECORD
	Description *string        `json:"description"`     // FIELD
	RawLine     string         `json:"raw_line"`        // verbatim report line
	Details     map[string]any `json:"details"`         // free-form metadata
}

// Detail returns the string value of a detail key, or "" when absent.
func (r ChangeRecord) Detail(key string) string {
	if r.Details == nil {
		return ""
	}
	s, _ := r.Details[key].(string)
	return s
}

// RenameTuple is a (model, old field, new field) rename declared in a
// pre-migration script.
type RenameTuple struct {
	Model    string `json:"model"`
	OldField string `json:"old_field"`
	NewField string `json:"new_field"`
}

// Less orders tuples by model, old field, new field.
func (t RenameTuple) Less(o RenameTuple) bool {
	if t.Model != o.Model {
		return t.Model < o.Model
	}
	if t.OldField != o.OldField {
		return t.OldField < o.OldField
	}
	return t.NewField < o.NewField
}

// RenameModelPair is an (old model, new model) rename.
type RenameModelPair struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// FieldRef identifies a field of a model owned by a module.
type FieldRef struct {
	Module string `json:"module"`
	Model  string `json:"model"`
	Field  string `json:"field"`
}

// ModelRenameInfo pairs a MODEL record's model with its rename annotation.
type ModelRenameInfo struct {
	Model string
	Info  string
}

// Str returns a pointer to s, for populating optional record columns.
func Str(s string) *string {
	return &s
}

// Deref returns the pointed-to string, or "" for nil.
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Dedup drops records whose RawLine was already seen; the first occurrence wins.
func Dedup(recs []ChangeRecord) []ChangeRecord {
	seen := make(map[string]struct{}, len(recs))
	out := make([]ChangeRecord, 0, len(recs))
	for _, r := range recs {
		if _, ok := seen[r.RawLine]; ok {
			continue
		}
		seen[r.RawLine] = struct{}{}
		out = append(out, r)
	}
	return out
}
