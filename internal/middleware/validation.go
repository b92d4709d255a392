package middleware

import (
	"reflect"
	"strings"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/pawpal/comms-api/internal/model"
)

// RegisterValidators installs domain validators on gin's binding engine
// and makes validation errors report json field names instead of Go
// struct fields. Call once at startup, before routes are served.
func RegisterValidators() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}

	if err := v.RegisterValidation("channel", func(fl validator.FieldLevel) bool {
		return model.Channel(fl.Field().String()).Valid()
	}); err != nil {
		panic(err)
	}

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return fld.Name
		}
		return name
	})
}
