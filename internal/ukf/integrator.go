package ukf

// Integrator advances a state through the model's continuous-time
// dynamics over a step of dt, writing the result to dst. dst and x must
// not alias.
type Integrator interface {
	Step(model StateModel, dst, x []float64, dt float64)
}

// RK4 is the classical fourth-order Runge-Kutta integrator.
type RK4 struct{}

func (RK4) Step(model StateModel, dst, x []float64, dt float64) {
	n := len(x)
	k1 := make([]float64, n)
	k2 := make([]float64, n)
	k3 := make([]float64, n)
	k4 := make([]float64, n)
	tmp := make([]float64, n)

	model.Derivative(k1, x)
	for i := range tmp {
		tmp[i] = x[i] + 0.5*dt*k1[i]
	}
	model.Derivative(k2, tmp)
	for i := range tmp {
		tmp[i] = x[i] + 0.5*dt*k2[i]
	}
	model.Derivative(k3, tmp)
	for i := range tmp {
		tmp[i] = x[i] + dt*k3[i]
	}
	model.Derivative(k4, tmp)
	for i := range dst {
		dst[i] = x[i] + dt*(k1[i]+2*k2[i]+2*k3[i]+k4[i])/6
	}
}

// Heun is the two-stage predictor-corrector integrator.
type Heun struct{}

func (Heun) Step(model StateModel, dst, x []float64, dt float64) {
	n := len(x)
	k1 := make([]float64, n)
	k2 := make([]float64, n)
	tmp := make([]float64, n)

	model.Derivative(k1, x)
	for i := range tmp {
		tmp[i] = x[i] + dt*k1[i]
	}
	model.Derivative(k2, tmp)
	for i := range dst {
		dst[i] = x[i] + 0.5*dt*(k1[i]+k2[i])
	}
}

// Euler is the first-order explicit integrator. It is exact for models
// with zero or constant derivative.
type Euler struct{}

func (Euler) Step(model StateModel, dst, x []float64, dt float64) {
	n := len(x)
	d := make([]float64, n)
	model.Derivative(d, x)
	for i := range dst {
		dst[i] = x[i] + dt*d[i]
	}
}
