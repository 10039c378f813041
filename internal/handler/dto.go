package handler

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Request bodies checked before they are forwarded. Only the fields the
// dashboard needs to reject early are listed; the original body is what
// reaches the backend.

type RegisterInput struct {
	Name     string `json:"name" validate:"required,max=100"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

type VocabExample struct {
	Source string `json:"source" validate:"required,max=500"`
	Target string `json:"target" validate:"required,max=500"`
}

type VocabInput struct {
	TextSource         string         `json:"textSource" validate:"required,max=500"`
	TextTarget         string         `json:"textTarget" validate:"required,max=500"`
	LanguageFolderID   string         `json:"languageFolderId" validate:"required"`
	SourceLanguageCode string         `json:"sourceLanguageCode" validate:"omitempty,bcp47_language_tag"`
	TargetLanguageCode string         `json:"targetLanguageCode" validate:"omitempty,bcp47_language_tag"`
	WordTypeID         string         `json:"wordTypeId"`
	SubjectIDs         []string       `json:"subjectIds" validate:"omitempty,unique,dive,required"`
	Explanation        string         `json:"explanation" validate:"max=2000"`
	Examples           []VocabExample `json:"examples" validate:"max=20,dive"`
}

type TrainerInput struct {
	Name               string   `json:"name" validate:"required,max=200"`
	QuestionType       string   `json:"questionType" validate:"required,oneof=multiple_choice fill_in_blank flip_card translation_audio"`
	SetCountdown       int      `json:"setCountdown" validate:"min=0,max=7200"`
	VocabAssignmentIDs []string `json:"vocabAssignmentIds" validate:"required,min=1,unique,dive,required"`
}

type SubjectInput struct {
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description" validate:"max=500"`
}

type WordTypeInput struct {
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description" validate:"max=500"`
}

type LanguageFolderInput struct {
	Name               string `json:"name" validate:"required,max=100"`
	Color              string `json:"folderColor" validate:"omitempty,hexcolor"`
	SourceLanguageCode string `json:"sourceLanguageCode" validate:"required,bcp47_language_tag"`
	TargetLanguageCode string `json:"targetLanguageCode" validate:"required,bcp47_language_tag,nefield=SourceLanguageCode"`
}

// ReorderInput is the new order of a drag-sorted list.
type ReorderInput struct {
	IDs []string `json:"ids" validate:"required,min=1,unique,dive,required"`
}

type SignatureInput struct {
	ParamsToSign map[string]string `json:"paramsToSign" validate:"omitempty,dive,keys,required,endkeys"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationMessage turns validator errors into one line naming each field.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", field, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
