package securestore

import (
	"context"

	"github.com/example/libcal-scheduler/internal/db"
	"github.com/example/libcal-scheduler/internal/libcal"
)

// ProfileRepo stores the single booking profile with every field sealed by
// the AEAD. There is exactly one profile row (id=1): the worker serves one
// user.
type ProfileRepo struct {
	db   *db.DB
	aead *AEAD
}

func NewProfileRepo(d *db.DB, aead *AEAD) *ProfileRepo {
	return &ProfileRepo{db: d, aead: aead}
}

func (r *ProfileRepo) Save(ctx context.Context, p libcal.Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	enc := make([]string, 5)
	for i, v := range []string{p.FirstName, p.LastName, p.Email, p.Phone, p.StudentNumber} {
		s, err := r.aead.EncryptToString(v)
		if err != nil {
			return err
		}
		enc[i] = s
	}
	_, err := r.db.Exec(ctx, `
INSERT INTO profile(id, first_name, last_name, email, phone, student_number, updated_at)
VALUES (1, $1, $2, $3, $4, $5, now())
ON CONFLICT (id) DO UPDATE SET
  first_name=$1, last_name=$2, email=$3, phone=$4, student_number=$5, updated_at=now()`,
		enc[0], enc[1], enc[2], enc[3], enc[4])
	return err
}

func (r *ProfileRepo) Get(ctx context.Context) (libcal.Profile, error) {
	var enc [5]string
	err := r.db.QueryRow(ctx, `
SELECT first_name, last_name, email, phone, student_number FROM profile WHERE id=1`).
		Scan(&enc[0], &enc[1], &enc[2], &enc[3], &enc[4])
	if err != nil {
		return libcal.Profile{}, db.WrapNotFound(err)
	}
	var dec [5]string
	for i, s := range enc {
		v, err := r.aead.DecryptString(s)
		if err != nil {
			return libcal.Profile{}, err
		}
		dec[i] = v
	}
	return libcal.Profile{
		FirstName:     dec[0],
		LastName:      dec[1],
		Email:         dec[2],
		Phone:         dec[3],
		StudentNumber: dec[4],
	}, nil
}
