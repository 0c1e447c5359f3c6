package flags

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	v, err := ParsePhase(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

func (m MLMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *MLMode) UnmarshalText(b []byte) error {
	v, err := ParseMLMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}
