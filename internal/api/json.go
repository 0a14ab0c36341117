package api

import (
	"errors"

	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"

	"github.com/serverinit/serverinit/internal/logger"
)

// json is the jsoniter instance configured to be compatible with standard library
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// errBadRequest marks malformed request bodies and parameters.
var errBadRequest = errors.New("bad request")

func writeJSON(ctx *fasthttp.RequestCtx, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		logger.Get().Error().Err(err).Msg("Error encoding response")
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	ctx.SetBody(body)
}

func readJSON(ctx *fasthttp.RequestCtx, v interface{}) error {
	body := ctx.PostBody()
	if len(body) == 0 {
		return wrapBadRequest("request body is empty")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return wrapBadRequest("malformed JSON: " + err.Error())
	}
	return nil
}

type badRequestError struct{ msg string }

func (e *badRequestError) Error() string        { return e.msg }
func (e *badRequestError) Is(target error) bool { return target == errBadRequest }

func wrapBadRequest(msg string) error {
	return &badRequestError{msg: msg}
}
