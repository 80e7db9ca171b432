package dataset

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"math/rand/v2"
)

var (
	genders    = []string{"M", "F", "O"}
	bloodTypes = []string{"A+", "A-", "B+", "B-", "AB+", "AB-", "O+", "O-"}
	zipCodes   = []string{"10001", "10002", "10003", "94103", "94107", "60601", "60602", "73301"}
	diagnoses  = []string{"hypertension", "diabetes", "asthma", "healthy", "arthritis"}
)

// Patient is a synthetic patient row. It has every filter column, several
// numeric measurements and the identifying columns the default policy
// restricts.
type Patient struct {
	PatientID              int
	SSN                    string
	Age                    int
	Gender                 string
	ZipCode                string
	BloodType              string
	Diagnosis              string
	Weight                 float64
	Height                 float64
	BloodPressureSystolic  float64
	BloodPressureDiastolic float64
	TreatmentCost          float64
}

// SyntheticPatients generates n reproducible patients from seed.
func SyntheticPatients(n int, seed uint64) []Patient {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	out := make([]Patient, n)
	for i := range out {
		age := 18 + rng.IntN(73)
		height := round1(150 + rng.NormFloat64()*10 + 10)
		out[i] = Patient{
			PatientID:              100000 + i,
			SSN:                    fmt.Sprintf("%03d-%02d-%04d", rng.IntN(900)+100, rng.IntN(99)+1, rng.IntN(9999)+1),
			Age:                    age,
			Gender:                 genders[rng.IntN(len(genders))],
			ZipCode:                zipCodes[rng.IntN(len(zipCodes))],
			BloodType:              bloodTypes[rng.IntN(len(bloodTypes))],
			Diagnosis:              diagnoses[rng.IntN(len(diagnoses))],
			Weight:                 round1(math.Max(40, 70+rng.NormFloat64()*15)),
			Height:                 height,
			BloodPressureSystolic:  math.Round(110 + float64(age)*0.4 + rng.NormFloat64()*12),
			BloodPressureDiastolic: math.Round(70 + float64(age)*0.15 + rng.NormFloat64()*8),
			TreatmentCost:          math.Round(math.Max(50, 1500+rng.NormFloat64()*900)*100) / 100,
		}
	}
	return out
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// Records converts patients for a MemoryAccessor.
func Records(patients []Patient) []Record {
	out := make([]Record, len(patients))
	for i, p := range patients {
		out[i] = Record{
			Age:       p.Age,
			Gender:    p.Gender,
			ZipCode:   p.ZipCode,
			BloodType: p.BloodType,
			Values: map[string]float64{
				"patient_id":               float64(p.PatientID),
				"weight":                   p.Weight,
				"height":                   p.Height,
				"blood_pressure_systolic":  p.BloodPressureSystolic,
				"blood_pressure_diastolic": p.BloodPressureDiastolic,
				"treatment_cost":           p.TreatmentCost,
			},
		}
	}
	return out
}

// patientsDDL is portable across the sqlite, postgres and mysql drivers.
const patientsDDL = `CREATE TABLE %s (
	patient_id INTEGER PRIMARY KEY,
	ssn VARCHAR(11) NOT NULL,
	age INTEGER NOT NULL,
	gender VARCHAR(1) NOT NULL,
	zip_code VARCHAR(10) NOT NULL,
	blood_type VARCHAR(3) NOT NULL,
	diagnosis VARCHAR(64) NOT NULL,
	weight REAL,
	height REAL,
	blood_pressure_systolic REAL,
	blood_pressure_diastolic REAL,
	treatment_cost DECIMAL(12, 2)
)`

// WritePatients creates table in db and inserts patients in one transaction.
func WritePatients(ctx context.Context, db *sql.DB, driver, table string, patients []Patient) error {
	if !ValidTable(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(patientsDDL, table)); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	parser := newSQLParser(driver)
	insert := parser.Parse(`INSERT INTO ` + table + ` (patient_id, ssn, age, gender, zip_code, blood_type, diagnosis, weight, height, blood_pressure_systolic, blood_pressure_diastolic, treatment_cost)
		VALUES ({patient_id}, {ssn}, {age}, {gender}, {zip_code}, {blood_type}, {diagnosis}, {weight}, {height}, {bp_sys}, {bp_dia}, {cost})`)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insert.SQL)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range patients {
		args, err := parser.MapValues(insert.ParamNames, map[string]any{
			"patient_id": p.PatientID, "ssn": p.SSN, "age": p.Age, "gender": p.Gender,
			"zip_code": p.ZipCode, "blood_type": p.BloodType, "diagnosis": p.Diagnosis,
			"weight": p.Weight, "height": p.Height, "bp_sys": p.BloodPressureSystolic,
			"bp_dia": p.BloodPressureDiastolic, "cost": p.TreatmentCost,
		})
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert patient %d: %w", p.PatientID, err)
		}
	}
	return tx.Commit()
}
