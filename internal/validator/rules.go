package validator

import "github.com/go-playground/validator/v10"

func registerFn(tag string, fn func(fl validator.FieldLevel) bool) func(v *validator.Validate) {
	return func(v *validator.Validate) {
		_ = v.RegisterValidation(tag, fn)
	}
}

func NewRequestValidationRules() []ValidationRule {
	return []ValidationRule{
		{
			Rule: registerFn("dataset_name", nameValidator),
		},
		{
			Rule: registerFn("query_document", queryDocumentValidator),
		},
	}
}

func NewWorkerValidationRules() []ValidationRule {
	return []ValidationRule{
		{
			Rule: registerFn("dashboard_address", dashboardAddressValidator),
		},
	}
}
