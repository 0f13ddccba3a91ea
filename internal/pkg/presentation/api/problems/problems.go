package problems

import (
	"encoding/json"
	"errors"
	"net/http"

	cserrors "github.com/diwise/context-sync/pkg/errors"
)

// ProblemDetails stores details about a certain problem according to RFC7807
// See https://tools.ietf.org/html/rfc7807
type ProblemDetails interface {
	ContentType() string
	Type() string
	Title() string
	Detail() string
	ResponseCode() int
	MarshalJSON() ([]byte, error)
	WriteResponse(w http.ResponseWriter)
}

const (
	// ProblemReportContentType as required by https://tools.ietf.org/html/rfc7807
	ProblemReportContentType string = "application/problem+json"

	typeBase string = "https://diwise.io/context-sync/errors/"
)

type problem struct {
	typ    string
	title  string
	detail string
	code   int
}

func newProblem(name, title, detail string, code int) *problem {
	return &problem{
		typ:    typeBase + name,
		title:  title,
		detail: detail,
		code:   code,
	}
}

func NewBadRequestData(detail string) ProblemDetails {
	return newProblem("BadRequestData", "Bad Request Data", detail, http.StatusBadRequest)
}

func NewInvalidRequest(detail string) ProblemDetails {
	return newProblem("InvalidRequest", "Invalid Request", detail, http.StatusBadRequest)
}

func NewInternalError(detail string) ProblemDetails {
	return newProblem("InternalError", "Internal Error", detail, http.StatusInternalServerError)
}

func NewNotFound(detail string) ProblemDetails {
	return newProblem("ResourceNotFound", "Not Found", detail, http.StatusNotFound)
}

func NewUnauthorizedRequest(detail string) ProblemDetails {
	return newProblem("UnauthorizedRequest", "Unauthorized Request", detail, http.StatusUnauthorized)
}

func NewUnknownEntityType(detail string) ProblemDetails {
	return newProblem("UnknownEntityType", "Unknown Entity Type", detail, http.StatusBadRequest)
}

// NewUnprocessableEntity reports a well formed request that can not be applied,
// like a graph with nodes that can not be identified
func NewUnprocessableEntity(name, title, detail string) ProblemDetails {
	return newProblem(name, title, detail, http.StatusUnprocessableEntity)
}

// FromError maps an application error onto the problem best describing it
func FromError(err error) ProblemDetails {
	detail := err.Error()

	switch {
	case errors.Is(err, cserrors.ErrNotFound):
		return NewNotFound(detail)
	case errors.Is(err, cserrors.ErrUnknownEntityType):
		return NewUnknownEntityType(detail)
	case errors.Is(err, cserrors.ErrCoercion):
		return NewBadRequestData(detail)
	case errors.Is(err, cserrors.ErrMissingIdentity):
		return NewUnprocessableEntity("MissingIdentity", "Missing Identity", detail)
	case errors.Is(err, cserrors.ErrUnsupportedChangeShape):
		return NewUnprocessableEntity("UnsupportedChangeShape", "Unsupported Change Shape", detail)
	case errors.Is(err, cserrors.ErrNotConstructible):
		return NewUnprocessableEntity("NotConstructible", "Not Constructible", detail)
	}

	return NewInternalError(detail)
}

// ReportError writes the problem matching err to w
func ReportError(w http.ResponseWriter, err error) {
	FromError(err).WriteResponse(w)
}

func (p *problem) ContentType() string {
	return ProblemReportContentType
}

func (p *problem) Type() string   { return p.typ }
func (p *problem) Title() string  { return p.title }
func (p *problem) Detail() string { return p.detail }

func (p *problem) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type   string `json:"type"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Status int    `json:"status"`
	}{
		Type:   p.typ,
		Title:  p.title,
		Detail: p.detail,
		Status: p.ResponseCode(),
	})
}

// ResponseCode returns the HTTP response code to be used when returning a specific problem
func (p *problem) ResponseCode() int {

	if p.code != 0 {
		return p.code
	}

	return http.StatusBadRequest
}

// WriteResponse writes the contents of this instance to a http.ResponseWriter
func (p *problem) WriteResponse(w http.ResponseWriter) {
	w.Header().Add("Content-Type", p.ContentType())
	w.Header().Add("Content-Language", "en")
	w.WriteHeader(p.ResponseCode())

	pdbytes, err := json.MarshalIndent(p, "", "  ")
	if err == nil {
		w.Write(pdbytes)
	}
}
