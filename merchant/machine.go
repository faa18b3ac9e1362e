package merchant

import "sync"

// CompletionThreshold is the step count at which the one-shot completion
// notice is raised.
const CompletionThreshold = 5

// Snapshot is a read-only copy of the machine state.
type Snapshot struct {
	Merchant                     Merchant
	Label                        string
	OnboardingSteps              map[Step]bool
	OnboardingCompleteStepsCount int
	HasProjects                  bool
	IsCompleteShown              bool
	IsOnboardingStepsComplete    bool
	IsOnboardingComplete         bool
}

// Machine is the single writer of the session's merchant state. Other
// components read projections and request changes through its methods.
type Machine struct {
	mu sync.RWMutex

	merchant      Merchant
	loaded        bool
	label         string
	completed     map[Step]bool
	count         int
	hasProjects   bool
	completeShown bool
}

func NewMachine() *Machine {
	return &Machine{
		label:     LabelDraft,
		completed: make(map[Step]bool, len(FormSteps)+2),
	}
}

// Replace overwrites the merchant with a canonical record. A record for a
// different merchant also discards the local onboarding progress.
func (m *Machine) Replace(rec Merchant) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.loaded || rec.ID != m.merchant.ID {
		m.completed = make(map[Step]bool, len(FormSteps)+2)
		m.count = 0
		m.hasProjects = false
		m.completeShown = false
	}
	m.merchant = rec
	m.loaded = true
	m.label = rec.Status.Label()
}

// UpdateStatus mirrors a server confirmed status. No transition validation
// happens here.
func (m *Machine) UpdateStatus(status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.merchant.Status = status
	m.label = status.Label()
}

// CompleteStep marks step as done. It reports false when the step was
// already complete, in which case nothing changes.
func (m *Machine) CompleteStep(step Step) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.completed[step] {
		return false
	}
	m.completed[step] = true
	if step == StepProjects {
		m.hasProjects = true
	}
	m.count++
	if m.count >= CompletionThreshold {
		m.completeShown = true
	}
	return true
}

// CloseCompleteShown acknowledges the completion notice.
func (m *Machine) CloseCompleteShown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completeShown = false
}

func (m *Machine) Loaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded
}

func (m *Machine) Merchant() Merchant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.merchant
}

func (m *Machine) ID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.merchant.ID
}

func (m *Machine) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.merchant.Status
}

func (m *Machine) Label() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.label
}

// IsStepComplete covers form steps as well as license and projects.
func (m *Machine) IsStepComplete(step Step) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.completed[step]
}

// OnboardingSteps returns the four form steps plus license.
func (m *Machine) OnboardingSteps() map[Step]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stepsLocked()
}

func (m *Machine) OnboardingCompleteStepsCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// HasProjects is true when either the server or a local step says so.
func (m *Machine) HasProjects() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hasProjectsLocked()
}

func (m *Machine) IsCompleteShown() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.completeShown
}

func (m *Machine) IsOnboardingStepsComplete() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stepsCompleteLocked()
}

func (m *Machine) IsOnboardingComplete() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.onboardingCompleteLocked()
}

// IsSignedByMerchant is true once the merchant side of the agreement is done.
func (m *Machine) IsSignedByMerchant() bool {
	return m.Status() >= StatusAgreementSigning
}

// IsSignedByPlatform is true once the platform countersigned.
func (m *Machine) IsSignedByPlatform() bool {
	return m.Status() >= StatusAgreementSigned
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Snapshot{
		Merchant:                     m.merchant,
		Label:                        m.label,
		OnboardingSteps:              m.stepsLocked(),
		OnboardingCompleteStepsCount: m.count,
		HasProjects:                  m.hasProjectsLocked(),
		IsCompleteShown:              m.completeShown,
		IsOnboardingStepsComplete:    m.stepsCompleteLocked(),
		IsOnboardingComplete:         m.onboardingCompleteLocked(),
	}
}

func (m *Machine) stepsLocked() map[Step]bool {
	steps := make(map[Step]bool, len(FormSteps)+1)
	for _, s := range FormSteps {
		steps[s] = m.completed[s]
	}
	steps[StepLicense] = m.completed[StepLicense]
	return steps
}

func (m *Machine) hasProjectsLocked() bool {
	return m.merchant.HasProjects || m.hasProjects
}

func (m *Machine) stepsCompleteLocked() bool {
	for _, s := range FormSteps {
		if !m.completed[s] {
			return false
		}
	}
	return true
}

func (m *Machine) onboardingCompleteLocked() bool {
	return m.stepsCompleteLocked() &&
		m.merchant.Status == StatusAgreementSigned &&
		m.hasProjectsLocked()
}
