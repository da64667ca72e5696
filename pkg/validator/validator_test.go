package validator

import (
	"testing"

	"github.com/go-playground/validator/v10"
)

type testPermissionDef struct {
	Codename string `json:"codename" validate:"required,codename"`
	Name     string `json:"name" validate:"required"`
}

type testCacheConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=memory database redis"`
	Size    int    `mapstructure:"size" validate:"gte=1"`
}

func TestValidateStructSuccess(t *testing.T) {
	def := testPermissionDef{Codename: "publish_post", Name: "Can publish post"}

	if err := ValidateStruct(def); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidateStructFailures(t *testing.T) {
	err := ValidateStruct(testPermissionDef{Codename: "Publish-Post"})
	if err == nil {
		t.Fatal("expected validation error")
	}

	vErrs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if len(vErrs) != 2 {
		t.Fatalf("expected 2 validation errors, got %d", len(vErrs))
	}

	foundCodename := false
	for _, v := range vErrs {
		if v.Field == "codename" && v.Tag == "codename" {
			foundCodename = true
		}
	}
	if !foundCodename {
		t.Fatal("expected codename rule to be reported")
	}
}

func TestMapstructureTagNames(t *testing.T) {
	err := ValidateStruct(testCacheConfig{Backend: "memcached", Size: 0})
	if err == nil {
		t.Fatal("expected validation error")
	}

	vErrs := err.(ValidationErrors)
	fields := map[string]string{}
	for _, v := range vErrs {
		fields[v.Field] = v.Tag
	}
	if fields["backend"] != "oneof" || fields["size"] != "gte" {
		t.Fatalf("unexpected failures: %v", vErrs)
	}
}

func TestRegisterValidation(t *testing.T) {
	err := RegisterValidation("app_label", func(fl validator.FieldLevel) bool {
		return fl.Field().String() == "blog"
	})
	if err != nil {
		t.Fatalf("register validation: %v", err)
	}

	type custom struct {
		Value string `validate:"app_label"`
	}

	if err := ValidateStruct(custom{Value: "blog"}); err != nil {
		t.Fatalf("expected validation to pass, got %v", err)
	}
	if err := ValidateStruct(custom{Value: "other"}); err == nil {
		t.Fatal("expected validation to fail for non-matching value")
	}
}
