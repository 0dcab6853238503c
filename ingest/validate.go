package ingest

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/warp/roster/roster"
	"github.com/xuri/excelize/v2"
)

// BirthDateLayouts are tried in order when parsing a birth date cell.
var BirthDateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"02-01-2006",
	"2006/01/02",
}

// Excel serial numbers above this are not plausible birth dates.
const maxExcelSerial = 100000

// record is one sheet row as text, before conversion.
type record struct {
	Identifier    string `label:"NIP" validate:"required,alphanum"`
	Name          string `label:"Nama" validate:"required"`
	NationalID    string `label:"NIK" validate:"required"`
	TaxID         string `label:"NPWP" validate:"required"`
	BirthDate     string `label:"Tanggal Lahir" validate:"required,birthdate"`
	BankCode      string `label:"Kode Bank" validate:"required,len=3"`
	BankName      string `label:"Nama Bank" validate:"required"`
	AccountNumber string `label:"Nomor Rekening" validate:"required,number"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func rowValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New()
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			if label := f.Tag.Get("label"); label != "" {
				return label
			}
			return f.Name
		})
		if err := v.RegisterValidation("birthdate", func(fl validator.FieldLevel) bool {
			_, err := ParseBirthDate(fl.Field().String())
			return err == nil
		}); err != nil {
			panic(err)
		}
		validate = v
	})
	return validate
}

// candidate validates the record and converts it. Messages are returned in
// column order.
func (r record) candidate() (roster.Candidate, []string) {
	if err := rowValidator().Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return roster.Candidate{}, []string{err.Error()}
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, message(fe))
		}
		return roster.Candidate{}, msgs
	}

	// Already validated.
	birth, _ := ParseBirthDate(r.BirthDate)
	return roster.Candidate{
		Identifier:    r.Identifier,
		Name:          r.Name,
		NationalID:    r.NationalID,
		TaxID:         r.TaxID,
		BirthDate:     birth,
		BankCode:      r.BankCode,
		BankName:      r.BankName,
		AccountNumber: r.AccountNumber,
	}, nil
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "alphanum":
		return fe.Field() + " must be alphanumeric"
	case "len":
		return fmt.Sprintf("%s must be exactly %s characters", fe.Field(), fe.Param())
	case "number":
		return fe.Field() + " must contain digits only"
	case "birthdate":
		return fe.Field() + " must be a date (YYYY-MM-DD, DD/MM/YYYY, DD-MM-YYYY or YYYY/MM/DD)"
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}

// ParseBirthDate accepts the BirthDateLayouts and Excel date serials.
func ParseBirthDate(s string) (time.Time, error) {
	for _, layout := range BirthDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	if serial, err := strconv.ParseFloat(s, 64); err == nil && serial > 0 && serial < maxExcelSerial {
		t, err := excelize.ExcelDateToTime(serial, false)
		if err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
